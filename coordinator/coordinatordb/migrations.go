package coordinatordb

import (
	"transcribee.dev/coordinator/private/migrate"
)

// migration returns the schema migration for the coordinator database.
func (db *DB) migration() *migrate.Migration {
	return &migrate.Migration{
		Table: "versions",
		Steps: []*migrate.Step{
			{
				DB:          db.db,
				Description: "Initial setup",
				Version:     0,
				Action: migrate.SQL{
					`CREATE TABLE users (
						id uuid NOT NULL,
						username text NOT NULL,
						password_hash bytea NOT NULL,
						password_salt bytea NOT NULL,
						PRIMARY KEY ( id ),
						UNIQUE ( username )
					)`,
					`CREATE TABLE user_tokens (
						id uuid NOT NULL,
						user_id uuid NOT NULL REFERENCES users ( id ) ON DELETE CASCADE,
						token_hash bytea NOT NULL,
						token_salt bytea NOT NULL,
						valid_until timestamptz NOT NULL,
						PRIMARY KEY ( id )
					)`,
					`CREATE INDEX user_tokens_user_id_index ON user_tokens ( user_id )`,
					`CREATE TABLE workers (
						id uuid NOT NULL,
						name text NOT NULL,
						token text NOT NULL,
						deactivated_at timestamptz,
						PRIMARY KEY ( id ),
						UNIQUE ( token )
					)`,
					`CREATE TABLE documents (
						id uuid NOT NULL,
						user_id uuid NOT NULL REFERENCES users ( id ) ON DELETE CASCADE,
						name text NOT NULL,
						duration double precision,
						created_at timestamptz NOT NULL,
						changed_at timestamptz NOT NULL,
						PRIMARY KEY ( id )
					)`,
					`CREATE INDEX documents_user_id_index ON documents ( user_id )`,
					`CREATE TABLE document_media_files (
						id uuid NOT NULL,
						document_id uuid NOT NULL REFERENCES documents ( id ) ON DELETE CASCADE,
						file text NOT NULL,
						content_type text NOT NULL,
						PRIMARY KEY ( id )
					)`,
					`CREATE INDEX document_media_files_document_id_index ON document_media_files ( document_id )`,
					`CREATE TABLE document_share_tokens (
						id uuid NOT NULL,
						document_id uuid NOT NULL REFERENCES documents ( id ) ON DELETE CASCADE,
						name text NOT NULL,
						token text NOT NULL,
						valid_until timestamptz,
						can_write boolean NOT NULL,
						PRIMARY KEY ( id ),
						UNIQUE ( token )
					)`,
					`CREATE INDEX document_share_tokens_document_id_index ON document_share_tokens ( document_id )`,
					`CREATE TABLE document_updates (
						id bigserial NOT NULL,
						document_id uuid NOT NULL REFERENCES documents ( id ) ON DELETE CASCADE,
						change bytea NOT NULL,
						PRIMARY KEY ( id )
					)`,
					`CREATE INDEX document_updates_document_id_index ON document_updates ( document_id, id )`,
					`CREATE TABLE tasks (
						id uuid NOT NULL,
						document_id uuid NOT NULL REFERENCES documents ( id ) ON DELETE CASCADE,
						task_type text NOT NULL,
						task_parameters jsonb NOT NULL,
						state text NOT NULL,
						state_changed_at timestamptz NOT NULL,
						attempt_counter integer NOT NULL,
						remaining_attempts integer NOT NULL,
						current_attempt_id uuid,
						PRIMARY KEY ( id )
					)`,
					`CREATE INDEX tasks_document_id_index ON tasks ( document_id )`,
					`CREATE INDEX tasks_state_index ON tasks ( state, state_changed_at )`,
					`CREATE TABLE task_attempts (
						id uuid NOT NULL,
						task_id uuid NOT NULL REFERENCES tasks ( id ) ON DELETE CASCADE,
						assigned_worker_id uuid REFERENCES workers ( id ) ON DELETE SET NULL,
						attempt_number integer NOT NULL,
						started_at timestamptz NOT NULL,
						last_keepalive timestamptz NOT NULL,
						ended_at timestamptz,
						progress double precision,
						extra_data jsonb,
						PRIMARY KEY ( id )
					)`,
					`CREATE INDEX task_attempts_task_id_index ON task_attempts ( task_id )`,
					`ALTER TABLE tasks ADD CONSTRAINT tasks_current_attempt_id_fkey
						FOREIGN KEY ( current_attempt_id ) REFERENCES task_attempts ( id ) ON DELETE SET NULL`,
					`CREATE TABLE task_dependencies (
						task_id uuid NOT NULL REFERENCES tasks ( id ) ON DELETE CASCADE,
						depends_on_id uuid NOT NULL REFERENCES tasks ( id ) ON DELETE CASCADE,
						PRIMARY KEY ( task_id, depends_on_id )
					)`,
					`CREATE INDEX task_dependencies_depends_on_index ON task_dependencies ( depends_on_id )`,
				},
			},
			{
				DB:          db.db,
				Description: "Add media file tags",
				Version:     1,
				Action: migrate.SQL{
					`CREATE TABLE document_media_tags (
						media_file_id uuid NOT NULL REFERENCES document_media_files ( id ) ON DELETE CASCADE,
						tag text NOT NULL,
						PRIMARY KEY ( media_file_id, tag )
					)`,
				},
			},
			{
				DB:          db.db,
				Description: "Add worker liveness and admin tokens",
				Version:     2,
				Action: migrate.SQL{
					`ALTER TABLE workers ADD COLUMN last_seen timestamptz`,
					`CREATE TABLE api_tokens (
						id uuid NOT NULL,
						name text NOT NULL,
						token text NOT NULL,
						PRIMARY KEY ( id ),
						UNIQUE ( token )
					)`,
				},
			},
		},
	}
}
