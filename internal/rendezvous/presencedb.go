package rendezvous

import (
	"database/sql"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/petervdpas/bookpresence/internal/proto"
)

// presenceDB mirrors the current presence map into SQLite so a restarted
// instance can restore who was present. Only current membership is stored;
// rows are deleted when a user leaves.
type presenceDB struct {
	db *sql.DB
	mu sync.Mutex
}

type presenceRow struct {
	BookID    string
	ChapterID string
	User      proto.User
}

// openPresenceDB opens (or creates) the SQLite mirror.
func openPresenceDB(path string) (*presenceDB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// WAL mode for concurrent access from multiple processes sharing the file.
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, err
		}
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS presence (
		book_id    TEXT NOT NULL,
		chapter_id TEXT NOT NULL,
		user_id    TEXT NOT NULL,
		name       TEXT DEFAULT '',
		email      TEXT DEFAULT '',
		avatar     TEXT,
		PRIMARY KEY (book_id, chapter_id, user_id)
	)`)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &presenceDB{db: db}, nil
}

func (p *presenceDB) upsert(row presenceRow) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var avatar sql.NullString
	if row.User.Avatar != nil {
		avatar = sql.NullString{String: *row.User.Avatar, Valid: true}
	}
	_, err := p.db.Exec(`INSERT INTO presence (book_id, chapter_id, user_id, name, email, avatar)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(book_id, chapter_id, user_id) DO UPDATE SET
			name=excluded.name,
			email=excluded.email,
			avatar=excluded.avatar`,
		row.BookID, row.ChapterID, row.User.ID, row.User.Name, row.User.Email, avatar)
	if err != nil {
		log.Warnw("presencedb upsert", "error", err)
	}
}

func (p *presenceDB) remove(bookID, chapterID, userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.db.Exec(`DELETE FROM presence WHERE book_id = ? AND chapter_id = ? AND user_id = ?`,
		bookID, chapterID, userID)
	if err != nil {
		log.Warnw("presencedb remove", "error", err)
	}
}

func (p *presenceDB) loadAll() ([]presenceRow, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rows, err := p.db.Query(`SELECT book_id, chapter_id, user_id, name, email, avatar FROM presence
		ORDER BY book_id, chapter_id, rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []presenceRow
	for rows.Next() {
		var r presenceRow
		var avatar sql.NullString
		if err := rows.Scan(&r.BookID, &r.ChapterID, &r.User.ID, &r.User.Name, &r.User.Email, &avatar); err != nil {
			return nil, err
		}
		if avatar.Valid {
			a := avatar.String
			r.User.Avatar = &a
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (p *presenceDB) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.db.Close()
}
