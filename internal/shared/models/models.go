// internal/shared/models/models.go
package models

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/tchouaga/tetris-duel-go/internal/shared/constants"
)

// User représente un utilisateur
type User struct {
	ID           int64      `json:"id"`
	Name         string     `json:"name"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	CreatedAt    time.Time  `json:"created_at"`
	LastLoginAt  *time.Time `json:"last_login_at"`
}

// Room représente une salle d'attente de match
type Room struct {
	ID         int64                `json:"id"`
	Name       string               `json:"name"`
	HostUserID int64                `json:"host_user_id"`
	Visibility constants.Visibility `json:"visibility"`
	Status     constants.RoomStatus `json:"status"`
	Members    []int64              `json:"members"`
	InviteList []int64              `json:"invite_list"`
	CreatedAt  time.Time            `json:"created_at"`
}

// IsMember vérifie l'appartenance d'un utilisateur à la salle
func (r *Room) IsMember(userID int64) bool {
	for _, id := range r.Members {
		if id == userID {
			return true
		}
	}
	return false
}

// IsInvited vérifie la présence d'un utilisateur sur la liste d'invitation
func (r *Room) IsInvited(userID int64) bool {
	for _, id := range r.InviteList {
		if id == userID {
			return true
		}
	}
	return false
}

// GameResult représente le résultat final d'un joueur dans un match
type GameResult struct {
	UserID   int64 `json:"user_id"`
	Score    int   `json:"score"`
	Lines    int   `json:"lines"`
	MaxCombo int   `json:"max_combo"`
}

// MatchLog représente l'enregistrement persistant d'un match terminé
type MatchLog struct {
	ID      int64        `json:"id"`
	MatchID string       `json:"match_id"`
	RoomID  int64        `json:"room_id"`
	Users   []int64      `json:"users"`
	StartAt time.Time    `json:"start_at"`
	EndAt   time.Time    `json:"end_at"`
	Winner  *int64       `json:"winner"`
	Results []GameResult `json:"results"`
}

// ServiceError porte une catégorie d'erreur du protocole et un message lisible
type ServiceError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (e *ServiceError) Error() string {
	return e.Kind + ": " + e.Message
}

// NewServiceError crée une erreur de protocole typée
func NewServiceError(kind, message string) *ServiceError {
	return &ServiceError{Kind: kind, Message: message}
}

// KindOf extrait la catégorie d'une erreur, ou une chaîne vide
func KindOf(err error) string {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// Payloads des requêtes du service de persistance
type CreateUserPayload struct {
	Name         string `json:"name"`
	Email        string `json:"email"`
	PasswordHash string `json:"password_hash"`
}

type LoginUserPayload struct {
	Email        string `json:"email"`
	PasswordHash string `json:"password_hash"`
}

type GetUserPayload struct {
	ID int64 `json:"id"`
}

type GetUserByEmailPayload struct {
	Email string `json:"email"`
}

type CreateRoomRecordPayload struct {
	Name       string               `json:"name"`
	HostUserID int64                `json:"host_user_id"`
	Visibility constants.Visibility `json:"visibility"`
}

type GetRoomPayload struct {
	ID int64 `json:"id"`
}

type ListRoomsPayload struct {
	Visibility constants.Visibility `json:"visibility,omitempty"`
}

type UpdateRoomPayload struct {
	ID    int64           `json:"id"`
	Patch json.RawMessage `json:"patch"`
}

type DeleteRoomPayload struct {
	ID int64 `json:"id"`
}

type CreateGameLogPayload struct {
	MatchID string       `json:"match_id"`
	RoomID  int64        `json:"room_id"`
	Users   []int64      `json:"users"`
	StartAt time.Time    `json:"start_at"`
	EndAt   time.Time    `json:"end_at"`
	Winner  *int64       `json:"winner"`
	Results []GameResult `json:"results"`
}

type ListGameLogsPayload struct {
	UserID *int64 `json:"user_id,omitempty"`
}

// Payloads des requêtes du service de session
type RegisterPayload struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type CreateRoomPayload struct {
	Name       string               `json:"name"`
	Visibility constants.Visibility `json:"visibility"`
}

type JoinRoomPayload struct {
	RoomID int64 `json:"room_id"`
}

type InvitePayload struct {
	RoomID int64 `json:"room_id"`
	UserID int64 `json:"user_id"`
}

type KickPayload struct {
	RoomID int64 `json:"room_id"`
	UserID int64 `json:"user_id"`
}

type StartGamePayload struct {
	RoomID int64 `json:"room_id"`
}

type RespondInvitationPayload struct {
	RoomID int64 `json:"room_id"`
	Accept bool  `json:"accept"`
}

// ReportGameResultPayload est envoyé par un serveur de match sur le canal de contrôle
type ReportGameResultPayload struct {
	MatchID string       `json:"match_id"`
	RoomID  int64        `json:"room_id"`
	Users   []int64      `json:"users"`
	StartAt time.Time    `json:"start_at"`
	EndAt   time.Time    `json:"end_at"`
	Winner  *int64       `json:"winner"`
	Results []GameResult `json:"results"`
}

// Données des réponses
type UserData struct {
	User *User `json:"user"`
}

type RoomData struct {
	Room *Room `json:"room"`
}

type RoomsData struct {
	Rooms []*Room `json:"rooms"`
}

type GameLogData struct {
	Log *MatchLog `json:"log"`
}

type GameLogsData struct {
	Logs []*MatchLog `json:"logs"`
}

type RegisterData struct {
	UserID int64 `json:"user_id"`
}

// OnlineUser décrit une session authentifiée visible dans le lobby
type OnlineUser struct {
	UserID int64  `json:"user_id"`
	Name   string `json:"name"`
}

type OnlineUsersData struct {
	Users []OnlineUser `json:"users"`
}

// RoomSummary décore une salle pour l'affichage du lobby
type RoomSummary struct {
	Room
	HostName    string `json:"host_name"`
	MemberCount int    `json:"member_count"`
}

type RoomSummariesData struct {
	Rooms []RoomSummary `json:"rooms"`
}

// MatchEndpoint décrit le point d'accès d'un match lancé
type MatchEndpoint struct {
	Host    string         `json:"host"`
	Port    int            `json:"port"`
	MatchID string         `json:"match_id"`
	Role    constants.Role `json:"role"`
}

// Invitation en attente pour un utilisateur
type Invitation struct {
	RoomID       int64  `json:"room_id"`
	RoomName     string `json:"room_name"`
	FromUserID   int64  `json:"from_user_id"`
	FromUserName string `json:"from_user_name"`
}

type InvitationsData struct {
	Invitations []Invitation `json:"invitations"`
}

// InvitedEvent est poussé au destinataire d'une invitation en ligne
type InvitedEvent struct {
	RoomID       int64  `json:"room_id"`
	RoomName     string `json:"room_name"`
	FromUserID   int64  `json:"from_user_id"`
	FromUserName string `json:"from_user_name"`
}

// MatchReadyEvent est poussé à l'invité quand l'hôte lance la partie
type MatchReadyEvent struct {
	RoomID  int64          `json:"room_id"`
	MatchID string         `json:"match_id"`
	Host    string         `json:"host"`
	Port    int            `json:"port"`
	Role    constants.Role `json:"role"`
}
