package profile

import (
	"database/sql"
	"fmt"
	"time"
)

// SQLiteStore persists profiles in two tables: one row per user and one
// row per vocabulary word, keeping insertion order in a position column.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a profile persister on db, running migrations
// on first use.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate profiles: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			user_id    TEXT PRIMARY KEY,
			language   TEXT NOT NULL,
			level      TEXT NOT NULL DEFAULT 'A1',
			turns      INTEGER NOT NULL DEFAULT 0,
			lessons    INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS words (
			user_id     TEXT NOT NULL,
			position    INTEGER NOT NULL,
			word        TEXT NOT NULL,
			translation TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (user_id, position)
		);
	`)
	return err
}

// Save replaces the stored copy of p.
func (s *SQLiteStore) Save(p Profile) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO users (user_id, language, level, turns, lessons, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET
		   language = excluded.language,
		   level = excluded.level,
		   turns = excluded.turns,
		   lessons = excluded.lessons,
		   updated_at = excluded.updated_at`,
		p.UserID, p.ExplanationLanguage, p.Level, p.Turns, p.Lessons,
		p.CreatedAt.UTC().Format(time.RFC3339Nano),
		p.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save user %s: %w", p.UserID, err)
	}

	if _, err := tx.Exec(`DELETE FROM words WHERE user_id = ?`, p.UserID); err != nil {
		return fmt.Errorf("clear words %s: %w", p.UserID, err)
	}
	for i, w := range p.Vocabulary {
		if _, err := tx.Exec(
			`INSERT INTO words (user_id, position, word, translation) VALUES (?, ?, ?, ?)`,
			p.UserID, i, w, p.Glosses[w],
		); err != nil {
			return fmt.Errorf("save word %q: %w", w, err)
		}
	}

	return tx.Commit()
}

// LoadAll returns every stored profile.
func (s *SQLiteStore) LoadAll() ([]Profile, error) {
	rows, err := s.db.Query(
		`SELECT user_id, language, level, turns, lessons, created_at, updated_at
		 FROM users ORDER BY user_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var profiles []Profile
	index := make(map[string]int)
	for rows.Next() {
		var (
			p                Profile
			created, updated string
		)
		if err := rows.Scan(&p.UserID, &p.ExplanationLanguage, &p.Level,
			&p.Turns, &p.Lessons, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		p.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		p.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		p.Vocabulary = []string{}
		index[p.UserID] = len(profiles)
		profiles = append(profiles, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	words, err := s.db.Query(
		`SELECT user_id, word, translation FROM words ORDER BY user_id, position`,
	)
	if err != nil {
		return nil, fmt.Errorf("query words: %w", err)
	}
	defer words.Close()

	for words.Next() {
		var userID, word, translation string
		if err := words.Scan(&userID, &word, &translation); err != nil {
			return nil, fmt.Errorf("scan word: %w", err)
		}
		i, ok := index[userID]
		if !ok {
			continue
		}
		profiles[i].AddWord(word)
		profiles[i].SetGloss(word, translation)
	}
	return profiles, words.Err()
}
