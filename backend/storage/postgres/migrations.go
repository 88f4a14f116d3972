// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package postgres

import "context"

func (s *Store) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id UUID PRIMARY KEY,
			sender_id TEXT NOT NULL,
			receiver_id TEXT NOT NULL,
			content TEXT NOT NULL CHECK (length(btrim(content)) > 0),
			created_at TIMESTAMPTZ NOT NULL,
			is_read BOOLEAN NOT NULL DEFAULT FALSE
		)`,

		// History for a pair is read in both directions
		`CREATE INDEX IF NOT EXISTS idx_messages_pair
		ON messages(sender_id, receiver_id, created_at, id)`,

		`CREATE INDEX IF NOT EXISTS idx_messages_receiver_pair
		ON messages(receiver_id, sender_id, created_at, id)`,

		`CREATE INDEX IF NOT EXISTS idx_messages_unread
		ON messages(receiver_id, sender_id)
		WHERE is_read = FALSE`,

		`CREATE TABLE IF NOT EXISTS user_profiles (
			user_id TEXT PRIMARY KEY,
			full_name TEXT NOT NULL DEFAULT '',
			email TEXT NOT NULL DEFAULT '',
			avatar_url TEXT,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		// Identifiers come from tokens and have no length bound.
		`ALTER TABLE messages
			ALTER COLUMN sender_id TYPE TEXT,
			ALTER COLUMN receiver_id TYPE TEXT`,

		`ALTER TABLE user_profiles
			ALTER COLUMN user_id TYPE TEXT,
			ALTER COLUMN full_name TYPE TEXT,
			ALTER COLUMN email TYPE TEXT`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return err
		}
	}

	return nil
}
