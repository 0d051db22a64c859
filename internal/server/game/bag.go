// internal/server/game/bag.go
package game

import "math/rand"

// Le sac est re-rempli dès que la file passe sous ce seuil, afin que les
// trois pièces de prévisualisation soient toujours disponibles
const refillThreshold = 4

// PieceBag produit la séquence infinie de pièces d'un match (règle 7-bag):
// concaténation de permutations uniformes des sept pièces. Deux sacs créés
// avec la même graine produisent exactement la même séquence.
type PieceBag struct {
	rng   *rand.Rand
	queue []PieceKind
}

// NewPieceBag crée un générateur de pièces déterministe à partir d'une graine
func NewPieceBag(seed int64) *PieceBag {
	bag := &PieceBag{
		rng:   rand.New(rand.NewSource(seed)),
		queue: make([]PieceKind, 0, 2*len(AllKinds)),
	}
	bag.refill()
	return bag
}

// refill ajoute des permutations complètes tant que la file est trop courte
func (b *PieceBag) refill() {
	for len(b.queue) < refillThreshold {
		perm := AllKinds
		b.rng.Shuffle(len(perm), func(i, j int) {
			perm[i], perm[j] = perm[j], perm[i]
		})
		b.queue = append(b.queue, perm[:]...)
	}
}

// Next consomme et renvoie la prochaine pièce
func (b *PieceBag) Next() PieceKind {
	kind := b.queue[0]
	b.queue = b.queue[1:]
	b.refill()
	return kind
}

// Peek renvoie les n prochaines pièces sans les consommer
func (b *PieceBag) Peek(n int) []PieceKind {
	if n > len(b.queue) {
		n = len(b.queue)
	}
	out := make([]PieceKind, n)
	copy(out, b.queue[:n])
	return out
}
