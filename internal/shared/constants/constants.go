// internal/shared/constants/constants.go
package constants

const (
	// Configuration réseau
	DefaultHost          = "0.0.0.0"
	DefaultDBPort        = 10001
	DefaultLobbyPort     = 10002
	DefaultMatchBasePort = 10100
	MatchPortSpan        = 100
	MaxFrameSize         = 1 << 20 // octets, en-tête exclu
	ProtocolVersion      = 1

	// Configuration du plateau
	BoardWidth   = 10
	BoardHeight  = 20
	PreviewCount = 3

	// Cadence du match
	TickRateHz      = 10
	TickIntervalMs  = 100
	GravityDropMs   = 500
	BagRule         = "7bag"
	GravityModeFixe = "fixed"

	// Timeouts
	HandshakeTimeout = 30  // secondes
	SessionReadIdle  = 600 // secondes
	MaxMatchDuration = 30  // minutes

	// Limites de validation
	MinNameLength = 2
	MaxNameLength = 32
	MaxRoomName   = 50
	MaxEmail      = 254
)

// Barème de score par nombre de lignes complétées en un seul verrouillage
var LineClearBase = [5]int{0, 100, 300, 500, 800}

// Catégories d'erreurs portées dans data.kind des enveloppes d'erreur
const (
	KindMalformedFrame         = "MalformedFrame"
	KindUnknownAction          = "UnknownAction"
	KindUnauthenticated        = "Unauthenticated"
	KindUnauthorized           = "Unauthorized"
	KindPermissionDenied       = "PermissionDenied"
	KindNotFound               = "NotFound"
	KindConflict               = "Conflict"
	KindEmailTaken             = "EmailTaken"
	KindInvalidCredentials     = "InvalidCredentials"
	KindInvalidState           = "InvalidState"
	KindCapacity               = "Capacity"
	KindLauncherError          = "LauncherError"
	KindStartFailed            = "StartFailed"
	KindPersistenceUnavailable = "PersistenceUnavailable"
	KindTimeout                = "Timeout"
	KindForfeit                = "Forfeit"
	KindInternal               = "Internal"
)

// Statut d'une enveloppe de réponse
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Visibilité d'une salle
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// États d'une salle
type RoomStatus string

const (
	RoomIdle    RoomStatus = "idle"
	RoomPlaying RoomStatus = "playing"
)

// Rôles des joueurs dans un match
type Role string

const (
	RoleHost  Role = "P1"
	RoleGuest Role = "P2"
)

// Types de messages du protocole de match
type MessageType string

const (
	// Client -> Serveur
	MsgHello MessageType = "HELLO"
	MsgInput MessageType = "INPUT"

	// Serveur -> Client
	MsgWelcome  MessageType = "WELCOME"
	MsgSnapshot MessageType = "SNAPSHOT"
	MsgGameOver MessageType = "GAME_OVER"

	// Bidirectionnel
	MsgPing MessageType = "PING"
	MsgPong MessageType = "PONG"
)

// Entrées acceptées par le moteur
type InputAction string

const (
	ActionLeft     InputAction = "LEFT"
	ActionRight    InputAction = "RIGHT"
	ActionDown     InputAction = "DOWN"
	ActionCW       InputAction = "CW"
	ActionCCW      InputAction = "CCW"
	ActionHardDrop InputAction = "HARD_DROP"
	ActionHold     InputAction = "HOLD"
)

// IsValidAction vérifie qu'une action d'entrée fait partie du jeu d'actions du protocole
func IsValidAction(a InputAction) bool {
	switch a {
	case ActionLeft, ActionRight, ActionDown, ActionCW, ActionCCW, ActionHardDrop, ActionHold:
		return true
	}
	return false
}

// Actions du service de persistance
const (
	ActCreateUser     = "create_user"
	ActLoginUser      = "login_user"
	ActGetUser        = "get_user"
	ActGetUserByEmail = "get_user_by_email"
	ActCreateRoom     = "create_room"
	ActGetRoom        = "get_room"
	ActListRooms      = "list_rooms"
	ActUpdateRoom     = "update_room"
	ActDeleteRoom     = "delete_room"
	ActCreateGameLog  = "create_game_log"
	ActListGameLogs   = "list_game_logs"
)

// Actions du service de session
const (
	ActRegister          = "register"
	ActLogin             = "login"
	ActLogout            = "logout"
	ActListOnlineUsers   = "list_online_users"
	ActLobbyListRooms    = "list_rooms"
	ActLobbyCreateRoom   = "create_room"
	ActJoinRoom          = "join_room"
	ActLeaveRoom         = "leave_room"
	ActInvite            = "invite"
	ActKick              = "kick"
	ActStartGame         = "start_game"
	ActListInvitations   = "list_invitations"
	ActRespondInvitation = "respond_invitation"
	ActReportGameResult  = "report_game_result"
)

// Événements non sollicités poussés par le service de session
const (
	EventMatchReady = "match_ready"
	EventInvited    = "invited"
)
