package web

import (
	"net/http"
)

// modelConfig describes one transcription model offered to clients.
type modelConfig struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// publicConfigResponse is the unauthenticated client configuration.
type publicConfigResponse struct {
	Models    []modelConfig `json:"models"`
	Languages []string      `json:"languages"`
}

var transcriptionModels = []modelConfig{
	{ID: "tiny", Name: "Tiny"},
	{ID: "base", Name: "Base"},
	{ID: "small", Name: "Small"},
	{ID: "large", Name: "Large"},
}

// transcriptionLanguages are the languages the transcription workers accept,
// "auto" meaning language detection.
var transcriptionLanguages = []string{
	"auto",
	"af", "ar", "az", "be", "bg", "bs", "ca", "cs", "cy", "da",
	"de", "el", "en", "es", "et", "fa", "fi", "fr", "gl", "he",
	"hi", "hr", "hu", "hy", "id", "is", "it", "ja", "kk", "kn",
	"ko", "lt", "lv", "mk", "mr", "ms", "ne", "nl", "no", "pl",
	"pt", "ro", "ru", "sk", "sl", "sr", "sv", "sw", "ta", "th",
	"tl", "tr", "uk", "ur", "vi", "zh",
}

func knownModel(id string) bool {
	for _, model := range transcriptionModels {
		if model.ID == id {
			return true
		}
	}
	return false
}

func knownLanguage(code string) bool {
	for _, language := range transcriptionLanguages {
		if language == code {
			return true
		}
	}
	return false
}

func (server *Server) publicConfig(w http.ResponseWriter, r *http.Request) {
	server.serveJSON(w, http.StatusOK, publicConfigResponse{
		Models:    transcriptionModels,
		Languages: transcriptionLanguages,
	})
}
