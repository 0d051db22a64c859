// internal/server/game/pieces.go
package game

// PieceKind identifie un des sept tétrominos. Zéro est la case vide.
type PieceKind int8

const (
	PieceNone PieceKind = iota
	PieceI
	PieceO
	PieceT
	PieceS
	PieceZ
	PieceJ
	PieceL
)

// AllKinds est l'ordre canonique des pièces, aussi utilisé pour remplir le sac
var AllKinds = [7]PieceKind{PieceI, PieceO, PieceT, PieceS, PieceZ, PieceJ, PieceL}

var kindLetters = [8]string{"", "I", "O", "T", "S", "Z", "J", "L"}

// String renvoie la lettre de la pièce utilisée sur le protocole
func (k PieceKind) String() string {
	if k <= PieceNone || int(k) >= len(kindLetters) {
		return ""
	}
	return kindLetters[k]
}

// KindFromLetter convertit une lettre du protocole en pièce
func KindFromLetter(letter string) (PieceKind, bool) {
	for i := 1; i < len(kindLetters); i++ {
		if kindLetters[i] == letter {
			return PieceKind(i), true
		}
	}
	return PieceNone, false
}

// Offset est un décalage de cellule par rapport à l'origine de la pièce
type Offset struct {
	X int
	Y int
}

// pieceShapes donne les quatre états de rotation de chaque pièce sous forme
// de décalages. O garde un état unique répété; I, S et Z répètent leurs deux
// états pour conserver un index de rotation modulo 4 uniforme, sans kick.
var pieceShapes = [8][4][4]Offset{
	PieceI: {
		{{0, 1}, {1, 1}, {2, 1}, {3, 1}},
		{{0, 1}, {1, 1}, {2, 1}, {3, 1}},
		{{0, 1}, {1, 1}, {2, 1}, {3, 1}},
		{{0, 1}, {1, 1}, {2, 1}, {3, 1}},
	},
	PieceO: {
		{{0, 0}, {1, 0}, {0, 1}, {1, 1}},
		{{0, 0}, {1, 0}, {0, 1}, {1, 1}},
		{{0, 0}, {1, 0}, {0, 1}, {1, 1}},
		{{0, 0}, {1, 0}, {0, 1}, {1, 1}},
	},
	PieceT: {
		{{1, 0}, {0, 1}, {1, 1}, {2, 1}},
		{{1, 0}, {1, 1}, {2, 1}, {1, 2}},
		{{0, 1}, {1, 1}, {2, 1}, {1, 2}},
		{{1, 0}, {0, 1}, {1, 1}, {1, 2}},
	},
	PieceS: {
		{{1, 0}, {2, 0}, {0, 1}, {1, 1}},
		{{1, 0}, {1, 1}, {2, 1}, {2, 2}},
		{{1, 0}, {2, 0}, {0, 1}, {1, 1}},
		{{1, 0}, {1, 1}, {2, 1}, {2, 2}},
	},
	PieceZ: {
		{{0, 0}, {1, 0}, {1, 1}, {2, 1}},
		{{2, 0}, {1, 1}, {2, 1}, {1, 2}},
		{{0, 0}, {1, 0}, {1, 1}, {2, 1}},
		{{2, 0}, {1, 1}, {2, 1}, {1, 2}},
	},
	PieceJ: {
		{{0, 0}, {0, 1}, {1, 1}, {2, 1}},
		{{1, 0}, {2, 0}, {1, 1}, {1, 2}},
		{{0, 1}, {1, 1}, {2, 1}, {2, 2}},
		{{1, 0}, {1, 1}, {0, 2}, {1, 2}},
	},
	PieceL: {
		{{2, 0}, {0, 1}, {1, 1}, {2, 1}},
		{{1, 0}, {1, 1}, {1, 2}, {2, 2}},
		{{0, 1}, {1, 1}, {2, 1}, {0, 2}},
		{{0, 0}, {1, 0}, {1, 1}, {1, 2}},
	},
}

// spawnColumns centre horizontalement chaque pièce sur la rangée 0
var spawnColumns = [8]int{
	PieceI: 3,
	PieceO: 4,
	PieceT: 4,
	PieceS: 4,
	PieceZ: 4,
	PieceJ: 4,
	PieceL: 4,
}

// shapeOffsets renvoie les cellules occupées par une pièce dans un état de rotation
func shapeOffsets(kind PieceKind, rot int) [4]Offset {
	return pieceShapes[kind][((rot%4)+4)%4]
}

// spawnColumn renvoie la colonne d'apparition d'une pièce
func spawnColumn(kind PieceKind) int {
	return spawnColumns[kind]
}
