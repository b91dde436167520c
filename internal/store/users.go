package store

import (
	"database/sql"
	"fmt"
	"time"
)

// User is an operator account.
type User struct {
	ID           string
	Username     string
	PasswordHash string
	DisplayName  string
	Role         string // "admin" or "user"
	CreatedAt    time.Time
}

// Org is an organization owning teams and members.
type Org struct {
	ID          string
	Name        string
	DisplayName string
	OwnerID     string
	Settings    string // opaque JSON
	CreatedAt   time.Time
}

// OrgMember binds a user to an org with an org role.
type OrgMember struct {
	OrgID    string
	UserID   string
	Role     string // owner, admin, member, viewer
	JoinedAt time.Time
}

// Team is a named group inside an org.
type Team struct {
	ID    string
	OrgID string
	Name  string
}

// TeamMember binds a user to a team.
type TeamMember struct {
	TeamID string
	UserID string
	Role   string // member, lead
}

func (s *Store) CreateUser(u *User) error {
	_, err := s.db.Exec(
		"INSERT INTO users (id, username, password_hash, display_name, role) VALUES (?, ?, ?, ?, ?)",
		u.ID, u.Username, u.PasswordHash, u.DisplayName, u.Role)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *Store) GetUser(id string) (*User, error) {
	return s.scanUser(s.db.QueryRow(
		"SELECT id, username, password_hash, display_name, role, created_at FROM users WHERE id = ?", id))
}

func (s *Store) GetUserByUsername(username string) (*User, error) {
	return s.scanUser(s.db.QueryRow(
		"SELECT id, username, password_hash, display_name, role, created_at FROM users WHERE username = ?", username))
}

func (s *Store) scanUser(row *sql.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.DisplayName, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}

func (s *Store) CountUsers() (int, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM users").Scan(&n); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}

func (s *Store) ListUsers() ([]*User, error) {
	rows, err := s.db.Query(
		"SELECT id, username, password_hash, display_name, role, created_at FROM users ORDER BY username")
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.DisplayName, &u.Role, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, &u)
	}
	return users, rows.Err()
}

func (s *Store) DeleteUser(id string) error {
	_, err := s.db.Exec("DELETE FROM users WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	return nil
}

// --- Orgs ---

func (s *Store) CreateOrg(o *Org) error {
	settings := o.Settings
	if settings == "" {
		settings = "{}"
	}
	_, err := s.db.Exec(
		"INSERT INTO orgs (id, name, display_name, owner_id, settings) VALUES (?, ?, ?, ?, ?)",
		o.ID, o.Name, o.DisplayName, o.OwnerID, settings)
	if err != nil {
		return fmt.Errorf("create org: %w", err)
	}
	return nil
}

func (s *Store) GetOrg(id string) (*Org, error) {
	var o Org
	err := s.db.QueryRow(
		"SELECT id, name, display_name, owner_id, settings, created_at FROM orgs WHERE id = ?", id).
		Scan(&o.ID, &o.Name, &o.DisplayName, &o.OwnerID, &o.Settings, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get org: %w", err)
	}
	return &o, nil
}

func (s *Store) CountOrgs() (int, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM orgs").Scan(&n); err != nil {
		return 0, fmt.Errorf("count orgs: %w", err)
	}
	return n, nil
}

func (s *Store) AddOrgMember(orgID, userID, role string) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO org_members (org_id, user_id, role) VALUES (?, ?, ?)",
		orgID, userID, role)
	if err != nil {
		return fmt.Errorf("add org member: %w", err)
	}
	return nil
}

func (s *Store) GetOrgMember(orgID, userID string) (*OrgMember, error) {
	var m OrgMember
	err := s.db.QueryRow(
		"SELECT org_id, user_id, role, joined_at FROM org_members WHERE org_id = ? AND user_id = ?",
		orgID, userID).Scan(&m.OrgID, &m.UserID, &m.Role, &m.JoinedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get org member: %w", err)
	}
	return &m, nil
}

func (s *Store) RemoveOrgMember(orgID, userID string) error {
	_, err := s.db.Exec("DELETE FROM org_members WHERE org_id = ? AND user_id = ?", orgID, userID)
	if err != nil {
		return fmt.Errorf("remove org member: %w", err)
	}
	return nil
}

// --- Teams ---

func (s *Store) CreateTeam(t *Team) error {
	_, err := s.db.Exec("INSERT INTO teams (id, org_id, name) VALUES (?, ?, ?)", t.ID, t.OrgID, t.Name)
	if err != nil {
		return fmt.Errorf("create team: %w", err)
	}
	return nil
}

func (s *Store) AddTeamMember(teamID, userID, role string) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO team_members (team_id, user_id, role) VALUES (?, ?, ?)",
		teamID, userID, role)
	if err != nil {
		return fmt.Errorf("add team member: %w", err)
	}
	return nil
}

func (s *Store) ListTeams(orgID string) ([]*Team, error) {
	rows, err := s.db.Query("SELECT id, org_id, name FROM teams WHERE org_id = ? ORDER BY name", orgID)
	if err != nil {
		return nil, fmt.Errorf("list teams: %w", err)
	}
	defer rows.Close()

	var teams []*Team
	for rows.Next() {
		var t Team
		if err := rows.Scan(&t.ID, &t.OrgID, &t.Name); err != nil {
			return nil, fmt.Errorf("scan team: %w", err)
		}
		teams = append(teams, &t)
	}
	return teams, rows.Err()
}
