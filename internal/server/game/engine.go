// internal/server/game/engine.go
package game

import (
	"github.com/tchouaga/tetris-duel-go/internal/shared/constants"
)

// Grid est la grille verrouillée d'un joueur: 0 pour une case vide,
// 1 à 7 pour la pièce qui occupe la case
type Grid [constants.BoardHeight][constants.BoardWidth]int8

// ActiveState décrit la pièce active d'un joueur
type ActiveState struct {
	Kind PieceKind
	X    int
	Y    int
	Rot  int
}

// EngineCallbacks définit les callbacks pour les événements du moteur
type EngineCallbacks struct {
	OnLock   func(linesCleared int, scoreGain int)
	OnTopOut func()
}

// Engine est l'état de jeu d'un seul joueur. La boucle de tick du serveur
// de match est son unique mutateur; il ne porte donc aucun verrou.
type Engine struct {
	cells     Grid
	bag       *PieceBag
	active    ActiveState
	holdKind  PieceKind
	canHold   bool
	score     int
	lines     int
	level     int
	combo     int
	maxCombo  int
	gameOver  bool
	callbacks EngineCallbacks
}

// NewEngine crée un moteur de jeu alimenté par un sac de pièces
func NewEngine(bag *PieceBag, callbacks EngineCallbacks) *Engine {
	engine := &Engine{
		bag:       bag,
		level:     1,
		callbacks: callbacks,
	}
	engine.spawn()
	return engine
}

// Apply exécute une action du protocole. Renvoie false quand l'action est rejetée.
func (e *Engine) Apply(action constants.InputAction) bool {
	if e.gameOver {
		return false
	}

	switch action {
	case constants.ActionLeft:
		return e.MoveLeft()
	case constants.ActionRight:
		return e.MoveRight()
	case constants.ActionDown:
		return e.MoveDown()
	case constants.ActionCW:
		return e.RotateCW()
	case constants.ActionCCW:
		return e.RotateCCW()
	case constants.ActionHardDrop:
		e.HardDrop()
		return true
	case constants.ActionHold:
		return e.Hold()
	}
	return false
}

// MoveLeft décale la pièce d'une colonne vers la gauche
func (e *Engine) MoveLeft() bool {
	if e.gameOver {
		return false
	}
	if e.validPosition(e.active.X-1, e.active.Y, e.active.Rot) {
		e.active.X--
		return true
	}
	return false
}

// MoveRight décale la pièce d'une colonne vers la droite
func (e *Engine) MoveRight() bool {
	if e.gameOver {
		return false
	}
	if e.validPosition(e.active.X+1, e.active.Y, e.active.Rot) {
		e.active.X++
		return true
	}
	return false
}

// MoveDown descend la pièce d'une rangée, ou la verrouille si elle bute.
// Renvoie false quand le verrouillage a eu lieu. La gravité passe par ici.
func (e *Engine) MoveDown() bool {
	if e.gameOver {
		return false
	}
	if e.validPosition(e.active.X, e.active.Y+1, e.active.Rot) {
		e.active.Y++
		return true
	}
	e.lock()
	return false
}

// RotateCW tourne la pièce dans le sens horaire, sans kick
func (e *Engine) RotateCW() bool {
	if e.gameOver {
		return false
	}
	rot := (e.active.Rot + 1) % 4
	if e.validPosition(e.active.X, e.active.Y, rot) {
		e.active.Rot = rot
		return true
	}
	return false
}

// RotateCCW tourne la pièce dans le sens anti-horaire, sans kick
func (e *Engine) RotateCCW() bool {
	if e.gameOver {
		return false
	}
	rot := (e.active.Rot + 3) % 4
	if e.validPosition(e.active.X, e.active.Y, rot) {
		e.active.Rot = rot
		return true
	}
	return false
}

// HardDrop descend la pièce jusqu'au contact et la verrouille immédiatement.
// Renvoie la distance parcourue.
func (e *Engine) HardDrop() int {
	if e.gameOver {
		return 0
	}
	distance := 0
	for e.validPosition(e.active.X, e.active.Y+1, e.active.Rot) {
		e.active.Y++
		distance++
	}
	e.lock()
	return distance
}

// Hold échange la pièce active avec la réserve. Une seule réserve par pièce:
// l'action est rejetée en silence tant que la pièce courante vient d'un hold.
func (e *Engine) Hold() bool {
	if e.gameOver || !e.canHold {
		return false
	}

	if e.holdKind == PieceNone {
		// Première réserve: la pièce suivante du sac prend le relais
		e.holdKind = e.active.Kind
		e.spawn()
	} else {
		e.holdKind, e.active.Kind = e.active.Kind, e.holdKind
		e.active.X = spawnColumn(e.active.Kind)
		e.active.Y = 0
		e.active.Rot = 0
	}

	e.canHold = false
	return true
}

// ForceTopOut marque la partie perdue, utilisé pour l'abandon par déconnexion
func (e *Engine) ForceTopOut() {
	if e.gameOver {
		return
	}
	e.gameOver = true
	if e.callbacks.OnTopOut != nil {
		e.callbacks.OnTopOut()
	}
}

// validPosition vérifie qu'un placement ne sort pas du plateau et ne
// chevauche aucune case occupée. Les cellules au-dessus du plateau sont permises.
func (e *Engine) validPosition(x, y, rot int) bool {
	for _, off := range shapeOffsets(e.active.Kind, rot) {
		bx := x + off.X
		by := y + off.Y

		if bx < 0 || bx >= constants.BoardWidth {
			return false
		}
		if by >= constants.BoardHeight {
			return false
		}
		if by < 0 {
			continue
		}
		if e.cells[by][bx] != 0 {
			return false
		}
	}
	return true
}

// lock fixe la pièce active, compte les lignes, met à jour le score
// et fait apparaître la pièce suivante
func (e *Engine) lock() {
	for _, off := range shapeOffsets(e.active.Kind, e.active.Rot) {
		bx := e.active.X + off.X
		by := e.active.Y + off.Y
		if by >= 0 && by < constants.BoardHeight && bx >= 0 && bx < constants.BoardWidth {
			e.cells[by][bx] = int8(e.active.Kind)
		}
	}

	cleared := e.clearLines()
	gain := 0
	if cleared > 0 {
		e.lines += cleared
		// Le gain s'évalue au niveau atteint avant ce verrouillage
		gain = constants.LineClearBase[min(cleared, 4)] * e.level
		e.score += gain
		e.level = e.lines/10 + 1
		e.combo++
		if e.combo > e.maxCombo {
			e.maxCombo = e.combo
		}
	} else {
		e.combo = 0
	}

	if e.callbacks.OnLock != nil {
		e.callbacks.OnLock(cleared, gain)
	}

	e.spawn()
}

// clearLines retire les rangées pleines de bas en haut et fait
// descendre les rangées supérieures
func (e *Engine) clearLines() int {
	cleared := 0
	y := constants.BoardHeight - 1

	for y >= 0 {
		full := true
		for x := 0; x < constants.BoardWidth; x++ {
			if e.cells[y][x] == 0 {
				full = false
				break
			}
		}

		if !full {
			y--
			continue
		}

		for yy := y; yy > 0; yy-- {
			e.cells[yy] = e.cells[yy-1]
		}
		e.cells[0] = [constants.BoardWidth]int8{}
		cleared++
	}

	return cleared
}

// spawn tire la pièce suivante du sac et la place centrée sur la rangée 0.
// Un placement d'apparition déjà en collision termine la partie.
func (e *Engine) spawn() {
	kind := e.bag.Next()
	e.active = ActiveState{
		Kind: kind,
		X:    spawnColumn(kind),
		Y:    0,
		Rot:  0,
	}
	e.canHold = true

	if !e.validPosition(e.active.X, e.active.Y, e.active.Rot) {
		e.gameOver = true
		if e.callbacks.OnTopOut != nil {
			e.callbacks.OnTopOut()
		}
	}
}

// Active renvoie l'état de la pièce active
func (e *Engine) Active() ActiveState {
	return e.active
}

// HoldPiece renvoie la pièce en réserve, PieceNone si la réserve est vide
func (e *Engine) HoldPiece() PieceKind {
	return e.holdKind
}

// NextPieces prévisualise les prochaines pièces du sac
func (e *Engine) NextPieces(n int) []PieceKind {
	return e.bag.Peek(n)
}

// Cells renvoie une copie de la grille verrouillée
func (e *Engine) Cells() Grid {
	return e.cells
}

// BoardRLE encode la grille verrouillée pour les instantanés
func (e *Engine) BoardRLE() string {
	return EncodeBoard(&e.cells)
}

// Score renvoie le score courant
func (e *Engine) Score() int {
	return e.score
}

// Lines renvoie le nombre de lignes complétées
func (e *Engine) Lines() int {
	return e.lines
}

// Level renvoie le niveau courant
func (e *Engine) Level() int {
	return e.level
}

// MaxCombo renvoie la plus longue série de verrouillages consécutifs
// ayant complété au moins une ligne
func (e *Engine) MaxCombo() int {
	return e.maxCombo
}

// GameOver indique si ce joueur a perdu
func (e *Engine) GameOver() bool {
	return e.gameOver
}
