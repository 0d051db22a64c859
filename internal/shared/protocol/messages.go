// internal/shared/protocol/messages.go
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/tchouaga/tetris-duel-go/internal/shared/constants"
)

// Request est l'enveloppe des requêtes des services de session et de persistance
type Request struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

// Response est l'enveloppe des réponses
type Response struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Event est l'enveloppe des événements non sollicités poussés vers un client
type Event struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// DecodeRequest décode une enveloppe de requête déjà validée comme objet JSON
func DecodeRequest(raw json.RawMessage) (*Request, error) {
	action := gjson.GetBytes(raw, "action")
	if !action.Exists() || action.Type != gjson.String {
		return nil, fmt.Errorf("request envelope has no action field")
	}

	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("failed to unmarshal request: %w", err)
	}
	if len(req.Data) == 0 {
		req.Data = json.RawMessage("{}")
	}
	return &req, nil
}

// NewRequest construit une enveloppe de requête
func NewRequest(action string, data interface{}) (*Request, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request data: %w", err)
	}
	return &Request{Action: action, Data: payload}, nil
}

// OK construit une réponse de succès portant des données optionnelles
func OK(message string, data interface{}) *Response {
	resp := &Response{
		Status:  constants.StatusSuccess,
		Message: message,
		Data:    json.RawMessage("{}"),
	}
	if data != nil {
		if payload, err := json.Marshal(data); err == nil {
			resp.Data = payload
		}
	}
	return resp
}

// Fail construit une réponse d'erreur avec sa catégorie machine
func Fail(kind, message string) *Response {
	payload, _ := json.Marshal(map[string]string{"kind": kind})
	return &Response{
		Status:  constants.StatusError,
		Message: message,
		Data:    payload,
	}
}

// IsSuccess vérifie le statut d'une réponse
func (r *Response) IsSuccess() bool {
	return r.Status == constants.StatusSuccess
}

// ErrorKind extrait la catégorie d'erreur d'une réponse, ou une chaîne vide
func (r *Response) ErrorKind() string {
	return gjson.GetBytes(r.Data, "kind").String()
}

// DecodeData décode le champ data d'une réponse dans une structure cible
func (r *Response) DecodeData(target interface{}) error {
	if len(r.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Data, target); err != nil {
		return fmt.Errorf("failed to unmarshal response data: %w", err)
	}
	return nil
}

// NewEvent construit une enveloppe d'événement
func NewEvent(name string, data interface{}) (*Event, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event data: %w", err)
	}
	return &Event{Event: name, Data: payload}, nil
}

// IsEvent vérifie si une trame brute porte un événement plutôt qu'une réponse
func IsEvent(raw json.RawMessage) bool {
	return gjson.GetBytes(raw, "event").Exists()
}

// MessageType extrait le tag de type d'un message du protocole de match
func MessageType(raw json.RawMessage) constants.MessageType {
	return constants.MessageType(gjson.GetBytes(raw, "type").String())
}

// Hello est la première trame envoyée par un client au serveur de match
type Hello struct {
	Type    constants.MessageType `json:"type"`
	Version int                   `json:"version"`
	RoomID  int64                 `json:"roomId"`
	UserID  int64                 `json:"userId"`
}

// GravityPlan annonce la politique de gravité du match
type GravityPlan struct {
	Mode   string `json:"mode"`
	DropMs int    `json:"dropMs"`
}

// Welcome est la réponse du serveur de match à un HELLO accepté
type Welcome struct {
	Type        constants.MessageType `json:"type"`
	Role        constants.Role        `json:"role"`
	Seed        int64                 `json:"seed"`
	BagRule     string                `json:"bagRule"`
	GravityPlan GravityPlan           `json:"gravityPlan"`
}

// Input porte une action de jeu d'un client
type Input struct {
	Type   constants.MessageType `json:"type"`
	UserID int64                 `json:"userId"`
	Seq    uint64                `json:"seq"`
	Ts     int64                 `json:"ts"`
	Action constants.InputAction `json:"action"`
}

// Ping et Pong servent de sonde de vivacité sur une connexion de match
type Ping struct {
	Type constants.MessageType `json:"type"`
	Ts   int64                 `json:"ts"`
}

type Pong struct {
	Type constants.MessageType `json:"type"`
	Ts   int64                 `json:"ts"`
}

// ActivePiece décrit la pièce active d'un joueur dans un instantané
type ActivePiece struct {
	Shape string `json:"shape"`
	X     int    `json:"x"`
	Y     int    `json:"y"`
	Rot   int    `json:"rot"`
}

// Snapshot est l'état d'un joueur diffusé à chaque tick
type Snapshot struct {
	Type     constants.MessageType `json:"type"`
	Tick     int64                 `json:"tick"`
	UserID   int64                 `json:"userId"`
	Role     constants.Role        `json:"role"`
	BoardRLE string                `json:"boardRLE"`
	Active   ActivePiece           `json:"active"`
	Hold     *string               `json:"hold"`
	Next     []string              `json:"next"`
	Score    int                   `json:"score"`
	Lines    int                   `json:"lines"`
	Level    int                   `json:"level"`
	GameOver bool                  `json:"gameOver"`
	At       int64                 `json:"at"`
}

// MatchResult est le résultat d'un joueur dans la trame GAME_OVER
type MatchResult struct {
	UserID   int64 `json:"userId"`
	Score    int   `json:"score"`
	Lines    int   `json:"lines"`
	MaxCombo int   `json:"maxCombo"`
}

// GameOver clôt un match. Winner vaut null quand les deux joueurs tombent au même tick.
type GameOver struct {
	Type    constants.MessageType `json:"type"`
	Winner  *int64                `json:"winner"`
	Results []MatchResult         `json:"results"`
}
