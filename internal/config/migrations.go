package config

import "fmt"

func (s *Store) migrate() error {
	for _, m := range s.conn.Migrations() {
		if _, err := s.db.Exec(m); err != nil {
			if s.conn.IgnoreMigrationError(err) {
				continue
			}
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}
