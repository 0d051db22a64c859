// internal/server/db/storage.go
package db

import (
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/tchouaga/tetris-duel-go/internal/shared/constants"
	"github.com/tchouaga/tetris-duel-go/internal/shared/logging"
	"github.com/tchouaga/tetris-duel-go/internal/shared/models"
	"github.com/tchouaga/tetris-duel-go/internal/shared/protocol"
)

// Schémas par dialecte, une instruction par table
var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		email TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		created_at TEXT NOT NULL,
		last_login_at TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS rooms (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		host_user_id INTEGER NOT NULL,
		visibility TEXT NOT NULL,
		status TEXT NOT NULL,
		members TEXT NOT NULL,
		invite_list TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS game_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		match_id TEXT NOT NULL,
		room_id INTEGER NOT NULL,
		users TEXT NOT NULL,
		start_at TEXT NOT NULL,
		end_at TEXT NOT NULL,
		winner INTEGER,
		results TEXT NOT NULL
	)`,
}

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		name VARCHAR(64) NOT NULL,
		email VARCHAR(254) NOT NULL UNIQUE,
		password_hash VARCHAR(128) NOT NULL,
		created_at VARCHAR(40) NOT NULL,
		last_login_at VARCHAR(40)
	)`,
	`CREATE TABLE IF NOT EXISTS rooms (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		name VARCHAR(100) NOT NULL,
		host_user_id BIGINT NOT NULL,
		visibility VARCHAR(16) NOT NULL,
		status VARCHAR(16) NOT NULL,
		members TEXT NOT NULL,
		invite_list TEXT NOT NULL,
		created_at VARCHAR(40) NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS game_logs (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		match_id VARCHAR(64) NOT NULL,
		room_id BIGINT NOT NULL,
		users TEXT NOT NULL,
		start_at VARCHAR(40) NOT NULL,
		end_at VARCHAR(40) NOT NULL,
		winner BIGINT,
		results TEXT NOT NULL
	)`,
}

// Clés de salle acceptées par update_room; toute autre clé du patch est ignorée
var roomPatchKeys = map[string]bool{
	"name":         true,
	"host_user_id": true,
	"visibility":   true,
	"status":       true,
	"members":      true,
	"invite_list":  true,
}

// Storage est la couche de persistance des utilisateurs, salles et
// journaux de match. Un RWMutex sérialise les écritures: les contrôles
// lire-puis-insérer (unicité d'email) restent atomiques quel que soit
// le dialecte.
type Storage struct {
	db     *sql.DB
	driver string
	mu     sync.RWMutex
	log    *zap.Logger
}

// NewStorage ouvre la base et crée le schéma. Dialectes acceptés:
// "sqlite" (modernc, fichier ou :memory:) et "mysql".
func NewStorage(driver, dsn string) (*Storage, error) {
	switch driver {
	case "sqlite", "mysql":
	default:
		return nil, errors.Errorf("unsupported database driver %q", driver)
	}

	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	// Configuration du pool de connexions. SQLite reste sur une seule
	// connexion pour que les DSN en mémoire voient une base unique.
	if driver == "sqlite" {
		conn.SetMaxOpenConns(1)
	} else {
		conn.SetMaxOpenConns(25)
		conn.SetMaxIdleConns(5)
		conn.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "failed to ping database")
	}

	s := &Storage{
		db:     conn,
		driver: driver,
		log:    logging.Named("storage"),
	}
	if err := s.createSchema(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	s.log.Info("✅ Database ready", zap.String("driver", driver))
	return s, nil
}

func (s *Storage) createSchema() error {
	schema := sqliteSchema
	if s.driver == "mysql" {
		schema = mysqlSchema
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return errors.Wrap(err, "failed to create schema")
		}
	}
	return nil
}

// Close ferme la connexion
func (s *Storage) Close() error {
	return s.db.Close()
}

// Les horodatages sont stockés en texte RFC3339
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(raw string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

// CreateUser enregistre un nouvel utilisateur. L'email est normalisé
// avant stockage: l'unicité est insensible à la casse.
func (s *Storage) CreateUser(name, email, passwordHash string) (*models.User, error) {
	email = protocol.NormalizeEmail(email)

	s.mu.Lock()
	defer s.mu.Unlock()

	var count int
	err := s.db.QueryRow(`SELECT COUNT(1) FROM users WHERE email = ?`, email).Scan(&count)
	if err != nil {
		return nil, errors.Wrap(err, "failed to check email uniqueness")
	}
	if count > 0 {
		return nil, models.NewServiceError(constants.KindEmailTaken, "email already registered")
	}

	createdAt := time.Now().UTC()
	result, err := s.db.Exec(
		`INSERT INTO users (name, email, password_hash, created_at, last_login_at)
		 VALUES (?, ?, ?, ?, NULL)`,
		name, email, passwordHash, formatTime(createdAt))
	if err != nil {
		return nil, errors.Wrap(err, "failed to insert user")
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get user id")
	}

	return &models.User{
		ID:           id,
		Name:         name,
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    createdAt,
	}, nil
}

// LoginUser vérifie les identifiants et met à jour last_login_at.
// Email inconnu et mauvais mot de passe renvoient la même erreur.
func (s *Storage) LoginUser(email, passwordHash string) (*models.User, error) {
	email = protocol.NormalizeEmail(email)

	s.mu.Lock()
	defer s.mu.Unlock()

	user, err := s.scanUser(s.db.QueryRow(
		`SELECT id, name, email, password_hash, created_at, last_login_at
		 FROM users WHERE email = ?`, email))
	if err != nil {
		if models.KindOf(err) == constants.KindNotFound {
			return nil, models.NewServiceError(constants.KindInvalidCredentials, "invalid credentials")
		}
		return nil, err
	}
	if user.PasswordHash != passwordHash {
		return nil, models.NewServiceError(constants.KindInvalidCredentials, "invalid credentials")
	}

	now := time.Now().UTC()
	if _, err := s.db.Exec(
		`UPDATE users SET last_login_at = ? WHERE id = ?`, formatTime(now), user.ID); err != nil {
		return nil, errors.Wrap(err, "failed to update last login")
	}
	user.LastLoginAt = &now

	return user, nil
}

// GetUser récupère un utilisateur par son id
func (s *Storage) GetUser(id int64) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.scanUser(s.db.QueryRow(
		`SELECT id, name, email, password_hash, created_at, last_login_at
		 FROM users WHERE id = ?`, id))
}

// GetUserByEmail récupère un utilisateur par email normalisé
func (s *Storage) GetUserByEmail(email string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.scanUser(s.db.QueryRow(
		`SELECT id, name, email, password_hash, created_at, last_login_at
		 FROM users WHERE email = ?`, protocol.NormalizeEmail(email)))
}

func (s *Storage) scanUser(row *sql.Row) (*models.User, error) {
	var (
		user      models.User
		createdAt string
		lastLogin sql.NullString
	)
	err := row.Scan(&user.ID, &user.Name, &user.Email, &user.PasswordHash, &createdAt, &lastLogin)
	if err == sql.ErrNoRows {
		return nil, models.NewServiceError(constants.KindNotFound, "user not found")
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan user")
	}

	user.CreatedAt = parseTime(createdAt)
	if lastLogin.Valid {
		t := parseTime(lastLogin.String)
		user.LastLoginAt = &t
	}
	return &user, nil
}

// CreateRoom enregistre une salle neuve: état idle, l'hôte seul membre
func (s *Storage) CreateRoom(name string, hostUserID int64, visibility constants.Visibility) (*models.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room := &models.Room{
		Name:       name,
		HostUserID: hostUserID,
		Visibility: visibility,
		Status:     constants.RoomIdle,
		Members:    []int64{hostUserID},
		InviteList: []int64{},
		CreatedAt:  time.Now().UTC(),
	}

	members, _ := json.Marshal(room.Members)
	inviteList, _ := json.Marshal(room.InviteList)

	result, err := s.db.Exec(
		`INSERT INTO rooms (name, host_user_id, visibility, status, members, invite_list, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		room.Name, room.HostUserID, string(room.Visibility), string(room.Status),
		string(members), string(inviteList), formatTime(room.CreatedAt))
	if err != nil {
		return nil, errors.Wrap(err, "failed to insert room")
	}

	room.ID, err = result.LastInsertId()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get room id")
	}
	return room, nil
}

// GetRoom récupère une salle par son id
func (s *Storage) GetRoom(id int64) (*models.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.getRoomLocked(id)
}

func (s *Storage) getRoomLocked(id int64) (*models.Room, error) {
	row := s.db.QueryRow(
		`SELECT id, name, host_user_id, visibility, status, members, invite_list, created_at
		 FROM rooms WHERE id = ?`, id)
	return scanRoom(row.Scan)
}

func scanRoom(scan func(...interface{}) error) (*models.Room, error) {
	var (
		room       models.Room
		visibility string
		status     string
		members    string
		inviteList string
		createdAt  string
	)
	err := scan(&room.ID, &room.Name, &room.HostUserID, &visibility, &status,
		&members, &inviteList, &createdAt)
	if err == sql.ErrNoRows {
		return nil, models.NewServiceError(constants.KindNotFound, "room not found")
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan room")
	}

	room.Visibility = constants.Visibility(visibility)
	room.Status = constants.RoomStatus(status)
	room.CreatedAt = parseTime(createdAt)
	if err := json.Unmarshal([]byte(members), &room.Members); err != nil {
		return nil, errors.Wrap(err, "failed to decode room members")
	}
	if err := json.Unmarshal([]byte(inviteList), &room.InviteList); err != nil {
		return nil, errors.Wrap(err, "failed to decode room invite list")
	}
	return &room, nil
}

// ListRooms énumère les salles, éventuellement filtrées par visibilité
func (s *Storage) ListRooms(visibility constants.Visibility) ([]*models.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, name, host_user_id, visibility, status, members, invite_list, created_at
	          FROM rooms ORDER BY id`
	args := []interface{}{}
	if visibility != "" {
		query = `SELECT id, name, host_user_id, visibility, status, members, invite_list, created_at
		         FROM rooms WHERE visibility = ? ORDER BY id`
		args = append(args, string(visibility))
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list rooms")
	}
	defer rows.Close()

	rooms := []*models.Room{}
	for rows.Next() {
		room, err := scanRoom(rows.Scan)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

// UpdateRoom applique un patch partiel à une salle: seules les clés
// connues sont prises en compte, les autres sont ignorées. Le patch
// s'applique sur la représentation JSON de l'enregistrement.
func (s *Storage) UpdateRoom(id int64, patch json.RawMessage) (*models.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(patch) > 0 && !gjson.ParseBytes(patch).IsObject() {
		return nil, models.NewServiceError(constants.KindMalformedFrame, "room patch must be a JSON object")
	}

	room, err := s.getRoomLocked(id)
	if err != nil {
		return nil, err
	}

	record, err := json.Marshal(room)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode room record")
	}

	var patchErr error
	gjson.ParseBytes(patch).ForEach(func(key, value gjson.Result) bool {
		if !roomPatchKeys[key.String()] {
			return true
		}
		record, patchErr = sjson.SetRawBytes(record, key.String(), []byte(value.Raw))
		return patchErr == nil
	})
	if patchErr != nil {
		return nil, errors.Wrap(patchErr, "failed to apply room patch")
	}

	var updated models.Room
	if err := json.Unmarshal(record, &updated); err != nil {
		return nil, errors.Wrap(err, "failed to decode patched room")
	}
	if updated.Members == nil {
		updated.Members = []int64{}
	}
	if updated.InviteList == nil {
		updated.InviteList = []int64{}
	}

	members, _ := json.Marshal(updated.Members)
	inviteList, _ := json.Marshal(updated.InviteList)
	if _, err := s.db.Exec(
		`UPDATE rooms SET name = ?, host_user_id = ?, visibility = ?, status = ?,
		 members = ?, invite_list = ? WHERE id = ?`,
		updated.Name, updated.HostUserID, string(updated.Visibility), string(updated.Status),
		string(members), string(inviteList), id); err != nil {
		return nil, errors.Wrap(err, "failed to update room")
	}

	return &updated, nil
}

// DeleteRoom supprime une salle. Idempotent: une salle absente est un succès.
func (s *Storage) DeleteRoom(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM rooms WHERE id = ?`, id); err != nil {
		return errors.Wrap(err, "failed to delete room")
	}
	return nil
}

// CreateGameLog enregistre le journal d'un match terminé
func (s *Storage) CreateGameLog(p models.CreateGameLogPayload) (*models.MatchLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	users, err := json.Marshal(p.Users)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode log users")
	}
	results, err := json.Marshal(p.Results)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode log results")
	}

	var winner interface{}
	if p.Winner != nil {
		winner = *p.Winner
	}

	result, err := s.db.Exec(
		`INSERT INTO game_logs (match_id, room_id, users, start_at, end_at, winner, results)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.MatchID, p.RoomID, string(users), formatTime(p.StartAt), formatTime(p.EndAt),
		winner, string(results))
	if err != nil {
		return nil, errors.Wrap(err, "failed to insert game log")
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get game log id")
	}

	return &models.MatchLog{
		ID:      id,
		MatchID: p.MatchID,
		RoomID:  p.RoomID,
		Users:   p.Users,
		StartAt: p.StartAt.UTC(),
		EndAt:   p.EndAt.UTC(),
		Winner:  p.Winner,
		Results: p.Results,
	}, nil
}

// ListGameLogs énumère les journaux, éventuellement restreints aux matchs
// d'un utilisateur. Le filtre s'applique après décodage de la colonne users.
func (s *Storage) ListGameLogs(userID *int64) ([]*models.MatchLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, match_id, room_id, users, start_at, end_at, winner, results
		 FROM game_logs ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list game logs")
	}
	defer rows.Close()

	logs := []*models.MatchLog{}
	for rows.Next() {
		var (
			entry   models.MatchLog
			users   string
			startAt string
			endAt   string
			winner  sql.NullInt64
			results string
		)
		if err := rows.Scan(&entry.ID, &entry.MatchID, &entry.RoomID, &users,
			&startAt, &endAt, &winner, &results); err != nil {
			return nil, errors.Wrap(err, "failed to scan game log")
		}

		if err := json.Unmarshal([]byte(users), &entry.Users); err != nil {
			return nil, errors.Wrap(err, "failed to decode log users")
		}
		if err := json.Unmarshal([]byte(results), &entry.Results); err != nil {
			return nil, errors.Wrap(err, "failed to decode log results")
		}
		entry.StartAt = parseTime(startAt)
		entry.EndAt = parseTime(endAt)
		if winner.Valid {
			w := winner.Int64
			entry.Winner = &w
		}

		if userID != nil && !containsUser(entry.Users, *userID) {
			continue
		}
		logs = append(logs, &entry)
	}
	return logs, rows.Err()
}

func containsUser(users []int64, id int64) bool {
	for _, u := range users {
		if u == id {
			return true
		}
	}
	return false
}
