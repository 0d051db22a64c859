// internal/server/lobby/handlers.go
package lobby

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/tchouaga/tetris-duel-go/internal/server/game"
	"github.com/tchouaga/tetris-duel-go/internal/shared/constants"
	"github.com/tchouaga/tetris-duel-go/internal/shared/metrics"
	"github.com/tchouaga/tetris-duel-go/internal/shared/models"
	"github.com/tchouaga/tetris-duel-go/internal/shared/protocol"
)

// hashPassword réduit un mot de passe en clair au condensat stocké côté
// persistance. Le service de persistance ne voit jamais le mot de passe.
func hashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

func invalidPayload() *protocol.Response {
	return protocol.Fail(constants.KindMalformedFrame, "invalid request payload")
}

// errorResponse traduit une erreur de la persistance ou du lanceur en
// enveloppe d'erreur typée
func (s *Server) errorResponse(action string, err error) *protocol.Response {
	var se *models.ServiceError
	if errors.As(err, &se) {
		return protocol.Fail(se.Kind, se.Message)
	}
	s.log.Error("❌ Internal failure", zap.String("action", action), zap.Error(err))
	return protocol.Fail(constants.KindInternal, "internal error")
}

// persistOp décrit l'écriture miroir à exécuter hors verrou après une
// mutation de salle dans le registre
type persistOp struct {
	roomID int64
	del    bool
	patch  map[string]interface{}
}

// mirror reflète une mutation de salle dans la persistance. Le registre
// fait foi pour l'état vivant; un échec du miroir est journalisé sans
// annuler la mutation.
func (s *Server) mirror(op persistOp) {
	if op.roomID == 0 {
		return
	}
	if op.del {
		if err := s.db.DeleteRoom(op.roomID); err != nil {
			s.log.Warn("⚠️ Room mirror delete failed",
				zap.Int64("room_id", op.roomID), zap.Error(err))
		}
		return
	}
	patch, err := json.Marshal(op.patch)
	if err != nil {
		return
	}
	if _, err := s.db.UpdateRoom(op.roomID, patch); err != nil {
		s.log.Warn("⚠️ Room mirror update failed",
			zap.Int64("room_id", op.roomID), zap.Error(err))
	}
}

// hostName résout le nom d'un utilisateur via le cache LRU, en dernier
// recours via la persistance
func (s *Server) hostName(userID int64) string {
	if name, ok := s.names.Get(userID); ok {
		return name
	}
	user, err := s.db.GetUser(userID)
	if err != nil {
		return ""
	}
	s.names.Add(userID, user.Name)
	return user.Name
}

// ========== Authentification ==========

func (s *Server) handleRegister(sess *session, data json.RawMessage) *protocol.Response {
	if sess.authenticated() {
		return protocol.Fail(constants.KindConflict, "already logged in")
	}

	var p models.RegisterPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return invalidPayload()
	}
	if err := protocol.ValidateDisplayName(p.Name); err != nil {
		return protocol.Fail(constants.KindMalformedFrame, err.Error())
	}
	if err := protocol.ValidateEmail(p.Email); err != nil {
		return protocol.Fail(constants.KindMalformedFrame, err.Error())
	}
	if p.Password == "" {
		return protocol.Fail(constants.KindMalformedFrame, "password cannot be empty")
	}

	user, err := s.db.CreateUser(p.Name, p.Email, hashPassword(p.Password))
	if err != nil {
		return s.errorResponse(constants.ActRegister, err)
	}

	s.names.Add(user.ID, user.Name)
	s.log.Info("👤 User registered",
		zap.Int64("user_id", user.ID),
		zap.String("name", user.Name))
	return protocol.OK("registered", models.RegisterData{UserID: user.ID})
}

func (s *Server) handleLogin(sess *session, data json.RawMessage) *protocol.Response {
	if sess.authenticated() {
		return protocol.Fail(constants.KindConflict, "already logged in")
	}

	var p models.LoginPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return invalidPayload()
	}
	if p.Email == "" || p.Password == "" {
		return protocol.Fail(constants.KindMalformedFrame, "email and password are required")
	}

	user, err := s.db.LoginUser(p.Email, hashPassword(p.Password))
	if err != nil {
		return s.errorResponse(constants.ActLogin, err)
	}

	// Une seule session active par utilisateur
	if err := s.reg.bindSession(sess, user); err != nil {
		return s.errorResponse(constants.ActLogin, err)
	}

	s.names.Add(user.ID, user.Name)
	s.log.Info("👤 User logged in",
		zap.Int64("user_id", user.ID),
		zap.String("name", user.Name))
	return protocol.OK("login successful", models.UserData{User: user})
}

func (s *Server) handleLogout(sess *session) *protocol.Response {
	userID := sess.userID

	s.reg.mu.Lock()
	op := s.leaveCurrentRoomLocked(sess)
	s.reg.mu.Unlock()
	s.mirror(op)
	s.reg.unbindSession(sess)

	s.log.Info("👋 User logged out", zap.Int64("user_id", userID))
	return protocol.OK("logout successful", nil)
}

// leaveCurrentRoomLocked détache la session de sa salle quand celle-ci
// est inactive: l'hôte qui part dissout la salle, un invité est retiré
// des membres. Une salle en cours de match garde ses membres gelés.
// Le verrou du registre doit être tenu.
func (s *Server) leaveCurrentRoomLocked(sess *session) persistOp {
	if sess.roomID == 0 {
		return persistOp{}
	}
	rs, ok := s.reg.rooms[sess.roomID]
	if !ok {
		sess.roomID = 0
		return persistOp{}
	}
	if rs.room.Status == constants.RoomPlaying {
		return persistOp{}
	}

	roomID := rs.room.ID
	if rs.room.HostUserID == sess.userID {
		s.reg.removeRoomLocked(rs)
		return persistOp{roomID: roomID, del: true}
	}

	kept := rs.room.Members[:0]
	for _, uid := range rs.room.Members {
		if uid != sess.userID {
			kept = append(kept, uid)
		}
	}
	rs.room.Members = kept
	sess.roomID = 0
	return persistOp{
		roomID: roomID,
		patch:  map[string]interface{}{"members": append([]int64(nil), kept...)},
	}
}

// ========== Listes ==========

func (s *Server) handleListOnlineUsers() *protocol.Response {
	return protocol.OK("online users", models.OnlineUsersData{Users: s.reg.onlineSnapshot()})
}

func (s *Server) handleListRooms(sess *session) *protocol.Response {
	s.reg.mu.Lock()
	rooms := s.reg.visibleRooms(sess.userID)
	s.reg.mu.Unlock()

	summaries := make([]models.RoomSummary, 0, len(rooms))
	for _, room := range rooms {
		summaries = append(summaries, models.RoomSummary{
			Room:        *room,
			HostName:    s.hostName(room.HostUserID),
			MemberCount: len(room.Members),
		})
	}
	return protocol.OK("rooms listed", models.RoomSummariesData{Rooms: summaries})
}

func (s *Server) handleListInvitations(sess *session) *protocol.Response {
	invitations := s.reg.invitationsFor(sess.userID)
	if invitations == nil {
		invitations = []models.Invitation{}
	}
	return protocol.OK("invitations listed", models.InvitationsData{Invitations: invitations})
}

// ========== Salles ==========

func (s *Server) handleCreateRoom(sess *session, data json.RawMessage) *protocol.Response {
	var p models.CreateRoomPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return invalidPayload()
	}
	if err := protocol.ValidateRoomName(p.Name); err != nil {
		return protocol.Fail(constants.KindMalformedFrame, err.Error())
	}
	if p.Visibility == "" {
		p.Visibility = constants.VisibilityPublic
	}
	if err := protocol.ValidateVisibility(p.Visibility); err != nil {
		return protocol.Fail(constants.KindMalformedFrame, err.Error())
	}

	s.reg.mu.Lock()
	inRoom := sess.roomID != 0
	s.reg.mu.Unlock()
	if inRoom {
		return protocol.Fail(constants.KindConflict, "already in a room")
	}

	// La persistance attribue l'identifiant de la salle
	room, err := s.db.CreateRoom(p.Name, sess.userID, p.Visibility)
	if err != nil {
		return s.errorResponse(constants.ActLobbyCreateRoom, err)
	}

	s.reg.mu.Lock()
	s.reg.rooms[room.ID] = &roomState{room: room}
	sess.roomID = room.ID
	cp := snapshotRoom(s.reg.rooms[room.ID])
	s.reg.mu.Unlock()
	metrics.ActiveRooms.Inc()

	s.log.Info("🏠 Room created",
		zap.Int64("room_id", room.ID),
		zap.String("name", room.Name),
		zap.Int64("host", sess.userID),
		zap.String("visibility", string(room.Visibility)))
	return protocol.OK("room created", models.RoomData{Room: cp})
}

func (s *Server) handleJoinRoom(sess *session, data json.RawMessage) *protocol.Response {
	var p models.JoinRoomPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return invalidPayload()
	}
	return s.joinRoom(sess, p.RoomID)
}

// joinRoom applique les règles d'admission sous le verrou du registre:
// exactement un gagnant quand deux candidats visent la dernière place.
// Un membre déjà listé se rattache sans mutation d'appartenance.
func (s *Server) joinRoom(sess *session, roomID int64) *protocol.Response {
	s.reg.mu.Lock()

	rs, ok := s.reg.rooms[roomID]
	if !ok {
		s.reg.mu.Unlock()
		return protocol.Fail(constants.KindNotFound, "room not found")
	}
	room := rs.room

	// Rattachement d'un membre déjà listé, après une coupure par exemple
	if room.IsMember(sess.userID) {
		sess.roomID = roomID
		cp := snapshotRoom(rs)
		s.reg.mu.Unlock()
		return protocol.OK("rejoined room", models.RoomData{Room: cp})
	}

	if sess.roomID != 0 && sess.roomID != roomID {
		s.reg.mu.Unlock()
		return protocol.Fail(constants.KindConflict, "already in a room")
	}
	if room.Status != constants.RoomIdle {
		s.reg.mu.Unlock()
		return protocol.Fail(constants.KindInvalidState, "room is not accepting players")
	}
	if room.Visibility == constants.VisibilityPrivate &&
		room.HostUserID != sess.userID && !room.IsInvited(sess.userID) {
		s.reg.mu.Unlock()
		return protocol.Fail(constants.KindPermissionDenied, "room is private, invitation required")
	}
	if len(room.Members) >= 2 {
		s.reg.mu.Unlock()
		return protocol.Fail(constants.KindCapacity, "room is full")
	}

	room.Members = append(room.Members, sess.userID)
	sess.roomID = roomID
	cp := snapshotRoom(rs)
	s.reg.mu.Unlock()

	s.mirror(persistOp{
		roomID: roomID,
		patch:  map[string]interface{}{"members": cp.Members},
	})

	s.log.Info("🚪 User joined room",
		zap.Int64("user_id", sess.userID),
		zap.Int64("room_id", roomID))
	return protocol.OK("joined room", models.RoomData{Room: cp})
}

func (s *Server) handleLeaveRoom(sess *session) *protocol.Response {
	s.reg.mu.Lock()
	if sess.roomID == 0 {
		s.reg.mu.Unlock()
		return protocol.Fail(constants.KindInvalidState, "not in a room")
	}
	rs, ok := s.reg.rooms[sess.roomID]
	if ok && rs.room.Status == constants.RoomPlaying {
		s.reg.mu.Unlock()
		return protocol.Fail(constants.KindInvalidState, "cannot leave during a match")
	}
	roomID := sess.roomID
	op := s.leaveCurrentRoomLocked(sess)
	s.reg.mu.Unlock()
	s.mirror(op)

	s.log.Info("🚪 User left room",
		zap.Int64("user_id", sess.userID),
		zap.Int64("room_id", roomID))
	return protocol.OK("left room", nil)
}

func (s *Server) handleInvite(sess *session, data json.RawMessage) *protocol.Response {
	var p models.InvitePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return invalidPayload()
	}
	if p.UserID == sess.userID {
		return protocol.Fail(constants.KindConflict, "cannot invite yourself")
	}

	s.reg.mu.Lock()
	rs, ok := s.reg.rooms[p.RoomID]
	if !ok {
		s.reg.mu.Unlock()
		return protocol.Fail(constants.KindNotFound, "room not found")
	}
	room := rs.room
	if room.HostUserID != sess.userID {
		s.reg.mu.Unlock()
		return protocol.Fail(constants.KindPermissionDenied, "only the host can invite")
	}
	if room.Status != constants.RoomIdle {
		s.reg.mu.Unlock()
		return protocol.Fail(constants.KindInvalidState, "room is not accepting players")
	}
	if room.IsMember(p.UserID) {
		s.reg.mu.Unlock()
		return protocol.Fail(constants.KindConflict, "user is already a member")
	}

	if !room.IsInvited(p.UserID) {
		room.InviteList = append(room.InviteList, p.UserID)
	}
	inv := models.Invitation{
		RoomID:       room.ID,
		RoomName:     room.Name,
		FromUserID:   sess.userID,
		FromUserName: sess.name,
	}
	s.reg.addInvitation(p.UserID, inv)
	target := s.reg.sessions[p.UserID]
	inviteList := append([]int64(nil), room.InviteList...)
	s.reg.mu.Unlock()

	s.mirror(persistOp{
		roomID: p.RoomID,
		patch:  map[string]interface{}{"invite_list": inviteList},
	})

	// Notification au mieux si le destinataire est en ligne
	if target != nil {
		target.pushEvent(constants.EventInvited, models.InvitedEvent{
			RoomID:       inv.RoomID,
			RoomName:     inv.RoomName,
			FromUserID:   inv.FromUserID,
			FromUserName: inv.FromUserName,
		})
	}

	s.log.Info("✉️ Invitation sent",
		zap.Int64("room_id", p.RoomID),
		zap.Int64("from", sess.userID),
		zap.Int64("to", p.UserID))
	return protocol.OK("invitation sent", nil)
}

func (s *Server) handleRespondInvitation(sess *session, data json.RawMessage) *protocol.Response {
	var p models.RespondInvitationPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return invalidPayload()
	}

	s.reg.mu.Lock()
	_, found := s.reg.takeInvitation(sess.userID, p.RoomID)
	s.reg.mu.Unlock()
	if !found {
		return protocol.Fail(constants.KindNotFound, "no pending invitation for this room")
	}

	// L'invitation est consommée quelle que soit la réponse
	if !p.Accept {
		return protocol.OK("invitation declined", nil)
	}
	return s.joinRoom(sess, p.RoomID)
}

func (s *Server) handleKick(sess *session, data json.RawMessage) *protocol.Response {
	var p models.KickPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return invalidPayload()
	}

	s.reg.mu.Lock()
	rs, ok := s.reg.rooms[p.RoomID]
	if !ok {
		s.reg.mu.Unlock()
		return protocol.Fail(constants.KindNotFound, "room not found")
	}
	room := rs.room
	if room.HostUserID != sess.userID {
		s.reg.mu.Unlock()
		return protocol.Fail(constants.KindPermissionDenied, "only the host can kick")
	}
	if p.UserID == sess.userID {
		s.reg.mu.Unlock()
		return protocol.Fail(constants.KindConflict, "host cannot kick themselves")
	}
	if room.Status != constants.RoomIdle {
		s.reg.mu.Unlock()
		return protocol.Fail(constants.KindInvalidState, "cannot kick during a match")
	}
	if !room.IsMember(p.UserID) {
		s.reg.mu.Unlock()
		return protocol.Fail(constants.KindNotFound, "user is not in the room")
	}

	kept := room.Members[:0]
	for _, uid := range room.Members {
		if uid != p.UserID {
			kept = append(kept, uid)
		}
	}
	room.Members = kept
	if target, online := s.reg.sessions[p.UserID]; online && target.roomID == p.RoomID {
		target.roomID = 0
	}
	members := append([]int64(nil), kept...)
	s.reg.mu.Unlock()

	s.mirror(persistOp{
		roomID: p.RoomID,
		patch:  map[string]interface{}{"members": members},
	})

	s.log.Info("🚪 User kicked from room",
		zap.Int64("room_id", p.RoomID),
		zap.Int64("user_id", p.UserID))
	return protocol.OK("member kicked", nil)
}

// ========== Lancement et fin de match ==========

func (s *Server) handleStartGame(sess *session, data json.RawMessage) *protocol.Response {
	var p models.StartGamePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return invalidPayload()
	}

	s.reg.mu.Lock()
	rs, ok := s.reg.rooms[p.RoomID]
	if !ok {
		s.reg.mu.Unlock()
		return protocol.Fail(constants.KindNotFound, "room not found")
	}
	room := rs.room
	if room.HostUserID != sess.userID {
		s.reg.mu.Unlock()
		return protocol.Fail(constants.KindPermissionDenied, "only the host can start the game")
	}
	if room.Status != constants.RoomIdle {
		s.reg.mu.Unlock()
		return protocol.Fail(constants.KindInvalidState, "room is not idle")
	}
	if len(room.Members) != 2 {
		s.reg.mu.Unlock()
		return protocol.Fail(constants.KindInvalidState,
			fmt.Sprintf("room needs exactly 2 players, has %d", len(room.Members)))
	}

	// Réserve la salle avant de lâcher le verrou: bloque les joins,
	// leaves et starts concurrents pendant le lancement
	players := [2]game.PlayerRef{
		{UserID: room.Members[0], Role: constants.RoleHost},
		{UserID: room.Members[1], Role: constants.RoleGuest},
	}
	guestID := room.Members[1]
	room.Status = constants.RoomPlaying
	rs.starting = true
	s.reg.mu.Unlock()

	revert := func() {
		s.reg.mu.Lock()
		room.Status = constants.RoomIdle
		rs.matchID = ""
		rs.starting = false
		s.reg.mu.Unlock()
	}

	info, err := s.launcher.Launch(p.RoomID, players)
	if err != nil {
		revert()
		s.log.Error("❌ Match launch failed",
			zap.Int64("room_id", p.RoomID), zap.Error(err))
		return protocol.Fail(constants.KindStartFailed, "failed to launch the match")
	}

	// La transition playing doit être persistée avant d'annoncer le match
	patch, _ := json.Marshal(map[string]interface{}{"status": constants.RoomPlaying})
	if _, err := s.db.UpdateRoom(p.RoomID, patch); err != nil {
		s.launcher.Abort(info.MatchID)
		revert()
		s.log.Error("❌ Room transition to playing failed",
			zap.Int64("room_id", p.RoomID), zap.Error(err))
		return protocol.Fail(constants.KindStartFailed, "failed to transition the room")
	}

	s.reg.mu.Lock()
	rs.matchID = info.MatchID
	rs.starting = false
	guest := s.reg.sessions[guestID]
	s.reg.mu.Unlock()

	if guest != nil {
		guest.pushEvent(constants.EventMatchReady, models.MatchReadyEvent{
			RoomID:  p.RoomID,
			MatchID: info.MatchID,
			Host:    info.Host,
			Port:    info.Port,
			Role:    constants.RoleGuest,
		})
	}

	s.log.Info("🎮 Match started",
		zap.Int64("room_id", p.RoomID),
		zap.String("match_id", info.MatchID),
		zap.Int("port", info.Port))
	return protocol.OK("match ready", models.MatchEndpoint{
		Host:    info.Host,
		Port:    info.Port,
		MatchID: info.MatchID,
		Role:    constants.RoleHost,
	})
}

// handleReportGameResult traite le canal de contrôle des serveurs de
// match: archive le résultat puis ramène la salle en idle, en élaguant
// les membres dont la session a disparu.
func (s *Server) handleReportGameResult(data json.RawMessage) *protocol.Response {
	var p models.ReportGameResultPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return invalidPayload()
	}
	if p.MatchID == "" || p.RoomID == 0 {
		return protocol.Fail(constants.KindMalformedFrame, "match_id and room_id are required")
	}

	if _, err := s.db.CreateGameLog(models.CreateGameLogPayload{
		MatchID: p.MatchID,
		RoomID:  p.RoomID,
		Users:   p.Users,
		StartAt: p.StartAt,
		EndAt:   p.EndAt,
		Winner:  p.Winner,
		Results: p.Results,
	}); err != nil {
		// La remise en idle prime sur l'archivage
		s.log.Error("❌ Failed to archive match log",
			zap.String("match_id", p.MatchID), zap.Error(err))
	} else {
		s.log.Info("📊 Match log archived",
			zap.String("match_id", p.MatchID),
			zap.Int64("room_id", p.RoomID))
	}

	op := s.resetRoomAfterMatch(p.RoomID, p.MatchID)
	s.mirror(op)
	return protocol.OK("result recorded", nil)
}

// resetRoomAfterMatch ramène une salle en idle après la fin d'un match.
// Les membres sans session sont élagués; sans hôte la salle est dissoute.
func (s *Server) resetRoomAfterMatch(roomID int64, matchID string) persistOp {
	s.reg.mu.Lock()
	defer s.reg.mu.Unlock()

	rs, ok := s.reg.rooms[roomID]
	if !ok {
		return persistOp{}
	}
	// Seul le match que la salle porte peut la ramener en idle; un
	// rapport périmé ou arrivant pendant un lancement est ignoré
	if rs.starting || rs.matchID != matchID {
		return persistOp{}
	}

	rs.matchID = ""
	rs.room.Status = constants.RoomIdle

	if disband := s.reg.pruneOfflineLocked(rs); disband {
		s.reg.removeRoomLocked(rs)
		s.log.Info("🗑️ Room disbanded, host is gone", zap.Int64("room_id", roomID))
		return persistOp{roomID: roomID, del: true}
	}

	s.log.Info("🏠 Room back to idle", zap.Int64("room_id", roomID))
	return persistOp{
		roomID: roomID,
		patch: map[string]interface{}{
			"status":  constants.RoomIdle,
			"members": append([]int64(nil), rs.room.Members...),
		},
	}
}

// onMatchExit est rappelé par le lanceur quand une instance se termine.
// Si la salle est restée en playing (mort sans rapport), elle est remise
// en idle ici.
func (s *Server) onMatchExit(info MatchInfo, err error) {
	s.reg.mu.Lock()
	rs, ok := s.reg.rooms[info.RoomID]
	stuck := ok && rs.matchID == info.MatchID && rs.room.Status == constants.RoomPlaying
	s.reg.mu.Unlock()

	if !stuck {
		return
	}
	s.log.Warn("⚠️ Game server exited without reporting, resetting room",
		zap.Int64("room_id", info.RoomID),
		zap.String("match_id", info.MatchID),
		zap.Error(err))
	op := s.resetRoomAfterMatch(info.RoomID, info.MatchID)
	s.mirror(op)
}
