// internal/shared/protocol/framing.go
package protocol

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/tchouaga/tetris-duel-go/internal/shared/constants"
)

// ErrMalformedFrame signale une trame illisible. La connexion fautive doit être fermée.
var ErrMalformedFrame = errors.New("malformed frame")

// Conn enveloppe une connexion TCP avec le cadrage longueur-préfixe:
// 4 octets big-endian pour la longueur N, puis exactement N octets d'un objet JSON.
type Conn struct {
	conn    net.Conn
	reader  *bufio.Reader
	writeMu sync.Mutex
}

// NewConn crée une connexion cadrée au-dessus d'une connexion réseau
func NewConn(c net.Conn) *Conn {
	return &Conn{
		conn:   c,
		reader: bufio.NewReader(c),
	}
}

// ReadFrame lit exactement un message. Bloque jusqu'à réception complète.
func (fc *Conn) ReadFrame() (json.RawMessage, error) {
	var header [4]byte
	if _, err := io.ReadFull(fc.reader, header[:]); err != nil {
		return nil, fmt.Errorf("failed to read frame header: %w", err)
	}

	length := binary.BigEndian.Uint32(header[:])
	if length == 0 || length > constants.MaxFrameSize {
		// Trame hors limites: rien au-delà de l'en-tête n'est consommé
		return nil, fmt.Errorf("%w: declared length %d exceeds limit", ErrMalformedFrame, length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(fc.reader, payload); err != nil {
		return nil, fmt.Errorf("failed to read frame payload: %w", err)
	}

	if !gjson.ValidBytes(payload) || !gjson.ParseBytes(payload).IsObject() {
		return nil, fmt.Errorf("%w: payload is not a JSON object", ErrMalformedFrame)
	}

	return payload, nil
}

// ReadFrameTimeout lit un message avec une échéance de lecture
func (fc *Conn) ReadFrameTimeout(d time.Duration) (json.RawMessage, error) {
	if err := fc.conn.SetReadDeadline(time.Now().Add(d)); err != nil {
		return nil, fmt.Errorf("failed to set read deadline: %w", err)
	}
	defer fc.conn.SetReadDeadline(time.Time{})

	return fc.ReadFrame()
}

// WriteJSON sérialise une valeur et l'écrit comme une trame unique.
// Les écritures concurrentes sont sérialisées par un verrou court.
func (fc *Conn) WriteJSON(v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	if len(payload) > constants.MaxFrameSize {
		return fmt.Errorf("%w: encoded frame of %d bytes exceeds limit", ErrMalformedFrame, len(payload))
	}

	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(payload)))
	copy(frame[4:], payload)

	fc.writeMu.Lock()
	defer fc.writeMu.Unlock()
	if _, err := fc.conn.Write(frame); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// Close ferme la connexion sous-jacente
func (fc *Conn) Close() error {
	return fc.conn.Close()
}

// RemoteAddr renvoie l'adresse distante de la connexion
func (fc *Conn) RemoteAddr() net.Addr {
	return fc.conn.RemoteAddr()
}

// IsTimeout vérifie si une erreur de lecture est une échéance dépassée
func IsTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
