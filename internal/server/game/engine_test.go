// internal/server/game/engine_test.go
package game

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tchouaga/tetris-duel-go/internal/shared/constants"
)

func newTestEngine(seed int64) *Engine {
	return NewEngine(NewPieceBag(seed), EngineCallbacks{})
}

// expectedSequence rejoue le sac d'une graine pour connaître l'ordre des pièces
func expectedSequence(seed int64, n int) []PieceKind {
	bag := NewPieceBag(seed)
	seq := make([]PieceKind, n)
	for i := range seq {
		seq[i] = bag.Next()
	}
	return seq
}

func occupiedCells(e *Engine) [4]Offset {
	var cells [4]Offset
	active := e.Active()
	for i, off := range shapeOffsets(active.Kind, active.Rot) {
		cells[i] = Offset{X: active.X + off.X, Y: active.Y + off.Y}
	}
	return cells
}

func TestSpawnState(t *testing.T) {
	e := newTestEngine(42)

	active := e.Active()
	assert.Equal(t, 0, active.Y)
	assert.Equal(t, 0, active.Rot)
	assert.Equal(t, spawnColumn(active.Kind), active.X)
	assert.Equal(t, 1, e.Level())
	assert.False(t, e.GameOver())
}

func TestFirstHardDropNeverTopsOut(t *testing.T) {
	for seed := int64(0); seed < 20; seed++ {
		e := newTestEngine(seed)
		e.HardDrop()
		assert.Falsef(t, e.GameOver(), "seed %d", seed)
	}
}

func TestWallCollision(t *testing.T) {
	e := newTestEngine(1)
	e.active = ActiveState{Kind: PieceI, X: 3, Y: 0, Rot: 0}

	for i := 0; i < 3; i++ {
		assert.True(t, e.MoveRight())
	}
	assert.False(t, e.MoveRight(), "I at column 6 already touches the right wall")
	assert.Equal(t, 6, e.Active().X)

	for i := 0; i < 6; i++ {
		assert.True(t, e.MoveLeft())
	}
	assert.False(t, e.MoveLeft())
	assert.Equal(t, 0, e.Active().X)
}

func TestGravityDescendsThenLocks(t *testing.T) {
	e := newTestEngine(1)
	e.active = ActiveState{Kind: PieceI, X: 3, Y: 0, Rot: 0}

	for i := 0; i < 18; i++ {
		assert.Truef(t, e.MoveDown(), "step %d should descend freely", i)
	}

	// La pièce touche le fond: la descente suivante verrouille
	assert.False(t, e.MoveDown())
	cells := e.Cells()
	for x := 3; x <= 6; x++ {
		assert.Equal(t, int8(PieceI), cells[constants.BoardHeight-1][x])
	}
}

func TestSingleLineClearShiftsRows(t *testing.T) {
	var lockLines, lockGain int
	e := NewEngine(NewPieceBag(3), EngineCallbacks{
		OnLock: func(lines, gain int) {
			lockLines, lockGain = lines, gain
		},
	})

	// Rangée 19 pleine sauf les colonnes 0 à 3, un marqueur au-dessus en colonne 9
	for x := 4; x < constants.BoardWidth; x++ {
		e.cells[19][x] = int8(PieceT)
	}
	e.cells[18][9] = int8(PieceO)
	e.active = ActiveState{Kind: PieceI, X: 0, Y: 0, Rot: 0}

	e.HardDrop()

	assert.Equal(t, 1, lockLines)
	assert.Equal(t, 100, lockGain)
	assert.Equal(t, 1, e.Lines())
	assert.Equal(t, 100, e.Score())
	assert.Equal(t, 1, e.Level())

	cells := e.Cells()
	assert.Equal(t, int8(PieceO), cells[19][9], "row above must shift down")
	for x := 0; x < constants.BoardWidth-1; x++ {
		assert.Equal(t, int8(0), cells[19][x])
	}
	assert.Equal(t, [constants.BoardWidth]int8{}, cells[18])
}

func TestDoubleLineClearScore(t *testing.T) {
	e := newTestEngine(3)

	for _, y := range []int{18, 19} {
		for x := 0; x < constants.BoardWidth; x++ {
			if x != 4 && x != 5 {
				e.cells[y][x] = int8(PieceZ)
			}
		}
	}
	e.active = ActiveState{Kind: PieceO, X: 4, Y: 0, Rot: 0}

	e.HardDrop()

	assert.Equal(t, 2, e.Lines())
	assert.Equal(t, 300, e.Score())
	assert.Equal(t, "0x200", e.BoardRLE())
}

func TestTripleLineClearScore(t *testing.T) {
	e := newTestEngine(3)

	for x := 0; x < constants.BoardWidth; x++ {
		if x != 1 && x != 2 {
			e.cells[17][x] = int8(PieceS)
		}
		if x != 1 {
			e.cells[18][x] = int8(PieceS)
			e.cells[19][x] = int8(PieceS)
		}
	}
	e.active = ActiveState{Kind: PieceJ, X: 0, Y: 0, Rot: 1}

	e.HardDrop()

	assert.Equal(t, 3, e.Lines())
	assert.Equal(t, 500, e.Score())
	assert.Equal(t, "0x200", e.BoardRLE())
}

func TestScoreUsesLevelBeforeClear(t *testing.T) {
	e := newTestEngine(5)

	// Neuf lignes déjà au compteur: la dixième est payée au niveau 1
	e.lines = 9

	for x := 4; x < constants.BoardWidth; x++ {
		e.cells[19][x] = int8(PieceL)
	}
	e.active = ActiveState{Kind: PieceI, X: 0, Y: 0, Rot: 0}

	e.HardDrop()

	assert.Equal(t, 10, e.Lines())
	assert.Equal(t, 100, e.Score())
	assert.Equal(t, 2, e.Level())
}

func TestORotationIsBoardNoop(t *testing.T) {
	e := newTestEngine(1)
	e.active = ActiveState{Kind: PieceO, X: 4, Y: 5, Rot: 0}

	before := occupiedCells(e)
	assert.True(t, e.RotateCW())
	assert.Equal(t, before, occupiedCells(e))
	assert.Equal(t, 1, e.Active().Rot)
}

func TestRotationRejectedWhenBlocked(t *testing.T) {
	e := newTestEngine(1)
	e.active = ActiveState{Kind: PieceT, X: 4, Y: 0, Rot: 0}
	e.cells[2][5] = int8(PieceZ)

	assert.False(t, e.RotateCW())
	assert.False(t, e.RotateCCW())
	assert.Equal(t, 0, e.Active().Rot)
}

func TestHoldSemantics(t *testing.T) {
	seq := expectedSequence(11, 6)
	e := newTestEngine(11)
	require.Equal(t, seq[0], e.Active().Kind)

	// Première réserve: la pièce suivante du sac prend le relais
	assert.True(t, e.Hold())
	assert.Equal(t, seq[0], e.HoldPiece())
	assert.Equal(t, seq[1], e.Active().Kind)

	// Refus silencieux tant que la pièce courante vient d'un hold
	assert.False(t, e.Hold())

	e.HardDrop()
	require.Equal(t, seq[2], e.Active().Kind)

	// Échange avec la réserve et réapparition en haut du plateau
	assert.True(t, e.Hold())
	assert.Equal(t, seq[0], e.Active().Kind)
	assert.Equal(t, seq[2], e.HoldPiece())
	assert.Equal(t, spawnColumn(seq[0]), e.Active().X)
	assert.Equal(t, 0, e.Active().Y)
	assert.Equal(t, 0, e.Active().Rot)
}

func TestTopOutOnBlockedSpawn(t *testing.T) {
	topOut := false
	e := NewEngine(NewPieceBag(9), EngineCallbacks{
		OnTopOut: func() { topOut = true },
	})

	// Bloquer la zone d'apparition sans compléter de rangée
	for _, y := range []int{0, 1} {
		for x := 2; x <= 7; x++ {
			e.cells[y][x] = int8(PieceJ)
		}
	}

	e.HardDrop()

	assert.True(t, e.GameOver())
	assert.True(t, topOut)
	assert.False(t, e.Apply(constants.ActionLeft))
	assert.False(t, e.MoveDown())
}

func TestTwinEnginesStayIdentical(t *testing.T) {
	e1 := newTestEngine(42)
	e2 := newTestEngine(42)

	// 200 ticks à 10 Hz avec gravité à 500 ms: 40 pas de gravité
	for step := 0; step < 40; step++ {
		e1.MoveDown()
		e2.MoveDown()
	}

	assert.Equal(t, e1.Cells(), e2.Cells())
	assert.Equal(t, e1.BoardRLE(), e2.BoardRLE())
	assert.Equal(t, e1.Active(), e2.Active())
	assert.Equal(t, e1.Score(), e2.Score())
	assert.Equal(t, e1.Lines(), e2.Lines())

	t.Log("✅ Twin engines remained byte-identical")
}

func TestHardDropAdvancesBagExactlyOnce(t *testing.T) {
	seq := expectedSequence(21, 16)
	e := newTestEngine(21)
	require.Equal(t, seq[0], e.Active().Kind)

	for i := 1; i <= 8; i++ {
		e.HardDrop()
		require.Falsef(t, e.GameOver(), "drop %d", i)
		assert.Equalf(t, seq[i], e.Active().Kind, "drop %d must consume one bag entry", i)

		preview := e.NextPieces(constants.PreviewCount)
		require.Len(t, preview, constants.PreviewCount)
		assert.Equal(t, seq[i+1:i+1+constants.PreviewCount], preview)
	}
}

func TestMaxComboTracksClearStreak(t *testing.T) {
	e := newTestEngine(3)

	// Remplit la rangée du bas sauf les colonnes 0 à 3, puis y pose un I
	dropClearingI := func() {
		for x := 4; x < constants.BoardWidth; x++ {
			e.cells[constants.BoardHeight-1][x] = int8(PieceT)
		}
		e.active = ActiveState{Kind: PieceI, X: 0, Y: 0, Rot: 0}
		e.HardDrop()
	}

	dropClearingI()
	assert.Equal(t, 1, e.MaxCombo())
	dropClearingI()
	assert.Equal(t, 2, e.MaxCombo())

	// Un verrouillage sans complétion casse la série
	e.active = ActiveState{Kind: PieceO, X: 0, Y: 0, Rot: 0}
	e.HardDrop()
	assert.Equal(t, 0, e.combo)
	assert.Equal(t, 2, e.MaxCombo())

	// Une nouvelle série d'une seule complétion ne bat pas le record.
	// Le O précédent occupe les colonnes 0 et 1 de la rangée du bas.
	for x := 6; x < constants.BoardWidth; x++ {
		e.cells[constants.BoardHeight-1][x] = int8(PieceT)
	}
	e.active = ActiveState{Kind: PieceI, X: 2, Y: 0, Rot: 0}
	e.HardDrop()
	assert.Equal(t, 1, e.combo)
	assert.Equal(t, 2, e.MaxCombo())
}
