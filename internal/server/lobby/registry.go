// internal/server/lobby/registry.go
package lobby

import (
	"sync"

	"go.uber.org/zap"

	"github.com/tchouaga/tetris-duel-go/internal/shared/constants"
	"github.com/tchouaga/tetris-duel-go/internal/shared/metrics"
	"github.com/tchouaga/tetris-duel-go/internal/shared/models"
	"github.com/tchouaga/tetris-duel-go/internal/shared/protocol"
)

// session représente une connexion cliente du service de session.
// userID et roomID sont protégés par le verrou du registre; seule la
// goroutine de la connexion écrit userID, si bien qu'elle peut le lire
// sans verrou pour le routage.
type session struct {
	conn *protocol.Conn
	log  *zap.Logger

	userID int64 // 0 tant que la session n'est pas authentifiée
	name   string
	roomID int64 // 0 hors salle
}

func (s *session) authenticated() bool {
	return s.userID != 0
}

// send écrit une trame sur la connexion de la session. Le verrou
// d'écriture court de Conn sérialise les réponses de la boucle de
// session avec les événements poussés par les autres sessions.
func (s *session) send(v interface{}) error {
	return s.conn.WriteJSON(v)
}

// pushEvent envoie une trame d'événement non sollicitée, au mieux
func (s *session) pushEvent(name string, data interface{}) {
	evt, err := protocol.NewEvent(name, data)
	if err != nil {
		return
	}
	if err := s.send(evt); err != nil {
		s.log.Debug("🔌 Event push failed",
			zap.String("event", name),
			zap.Error(err))
	}
}

// roomState est l'état vivant d'une salle, miroir du registre persistant
type roomState struct {
	room     *models.Room
	matchID  string // non vide quand la salle est en cours de match
	starting bool   // vrai pendant la fenêtre de lancement, avant que matchID soit connu
}

// registry regroupe tout l'état en mémoire du service de session sous
// un seul verrou: sessions authentifiées, salles vivantes, invitations.
type registry struct {
	mu          sync.Mutex
	sessions    map[int64]*session
	rooms       map[int64]*roomState
	invitations map[int64][]models.Invitation
}

func newRegistry() *registry {
	return &registry{
		sessions:    make(map[int64]*session),
		rooms:       make(map[int64]*roomState),
		invitations: make(map[int64][]models.Invitation),
	}
}

// loadRooms précharge les salles persistées au démarrage du service.
// Les salles restées en statut playing (arrêt brutal) repartent en idle;
// leurs identifiants sont renvoyés pour que l'appelant répare le miroir.
func (r *registry) loadRooms(rooms []*models.Room) []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	var reset []int64
	for _, room := range rooms {
		if room.Status == constants.RoomPlaying {
			room.Status = constants.RoomIdle
			reset = append(reset, room.ID)
		}
		r.rooms[room.ID] = &roomState{room: room}
	}
	metrics.ActiveRooms.Set(float64(len(r.rooms)))
	return reset
}

// bindSession attache une session authentifiée, au plus une par utilisateur.
// Appelé sans le verrou.
func (r *registry) bindSession(sess *session, user *models.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, online := r.sessions[user.ID]; online {
		return models.NewServiceError(constants.KindConflict, "user already has an active session")
	}
	sess.userID = user.ID
	sess.name = user.Name
	r.sessions[user.ID] = sess
	metrics.IncOnline()
	return nil
}

// unbindSession détache une session du registre. L'appartenance aux
// salles n'est pas touchée ici: une déconnexion laisse le membre listé
// pour qu'il puisse se rattacher, un logout passe par leaveRoomLocked.
func (r *registry) unbindSession(sess *session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sess.userID == 0 {
		return
	}
	if current, ok := r.sessions[sess.userID]; ok && current == sess {
		delete(r.sessions, sess.userID)
		metrics.DecOnline()
	}
	sess.userID = 0
	sess.name = ""
	sess.roomID = 0
}

// onlineSnapshot copie la liste des sessions authentifiées
func (r *registry) onlineSnapshot() []models.OnlineUser {
	r.mu.Lock()
	defer r.mu.Unlock()

	users := make([]models.OnlineUser, 0, len(r.sessions))
	for id, sess := range r.sessions {
		users = append(users, models.OnlineUser{UserID: id, Name: sess.name})
	}
	return users
}

// snapshotRoom copie une salle pour la sortir du verrou sans partage de tranches.
// Le verrou doit être tenu.
func snapshotRoom(rs *roomState) *models.Room {
	cp := *rs.room
	cp.Members = append([]int64(nil), rs.room.Members...)
	cp.InviteList = append([]int64(nil), rs.room.InviteList...)
	return &cp
}

// visibleRooms renvoie les salles que userID a le droit de voir: les
// publiques, plus les privées où il est hôte, membre ou invité.
// Le verrou doit être tenu.
func (r *registry) visibleRooms(userID int64) []*models.Room {
	var out []*models.Room
	for _, rs := range r.rooms {
		room := rs.room
		if room.Visibility == constants.VisibilityPrivate &&
			room.HostUserID != userID && !room.IsMember(userID) && !room.IsInvited(userID) {
			continue
		}
		out = append(out, snapshotRoom(rs))
	}
	return out
}

// addInvitation remplace toute invitation en attente pour la même salle.
// Le verrou doit être tenu.
func (r *registry) addInvitation(userID int64, inv models.Invitation) {
	pending := r.invitations[userID]
	for i := range pending {
		if pending[i].RoomID == inv.RoomID {
			pending[i] = inv
			return
		}
	}
	r.invitations[userID] = append(pending, inv)
}

// takeInvitation consomme l'invitation en attente de userID pour roomID.
// Le verrou doit être tenu.
func (r *registry) takeInvitation(userID, roomID int64) (models.Invitation, bool) {
	pending := r.invitations[userID]
	for i, inv := range pending {
		if inv.RoomID == roomID {
			r.invitations[userID] = append(pending[:i], pending[i+1:]...)
			if len(r.invitations[userID]) == 0 {
				delete(r.invitations, userID)
			}
			return inv, true
		}
	}
	return models.Invitation{}, false
}

// invitationsFor copie les invitations en attente d'un utilisateur
func (r *registry) invitationsFor(userID int64) []models.Invitation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Invitation(nil), r.invitations[userID]...)
}

// removeRoomLocked retire une salle du registre et détache les sessions
// de ses membres. Le verrou doit être tenu.
func (r *registry) removeRoomLocked(rs *roomState) {
	for _, uid := range rs.room.Members {
		if member, ok := r.sessions[uid]; ok && member.roomID == rs.room.ID {
			member.roomID = 0
		}
	}
	delete(r.rooms, rs.room.ID)
	metrics.ActiveRooms.Dec()
}

// pruneOfflineLocked retire des membres d'une salle ceux qui n'ont plus
// de session. Renvoie vrai si l'hôte a disparu (la salle doit être
// dissoute). Le verrou doit être tenu.
func (r *registry) pruneOfflineLocked(rs *roomState) bool {
	room := rs.room
	if _, hostOnline := r.sessions[room.HostUserID]; !hostOnline {
		return true
	}
	kept := room.Members[:0]
	for _, uid := range room.Members {
		if _, online := r.sessions[uid]; online {
			kept = append(kept, uid)
		}
	}
	room.Members = kept
	return false
}
