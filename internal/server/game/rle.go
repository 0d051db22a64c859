// internal/server/game/rle.go
package game

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tchouaga/tetris-duel-go/internal/shared/constants"
)

// EncodeBoard compresse la grille en chaîne de segments "valeur"x"longueur",
// parcourue rangée par rangée et jointe par des virgules
func EncodeBoard(grid *Grid) string {
	var sb strings.Builder

	current := grid[0][0]
	count := 0
	for y := 0; y < constants.BoardHeight; y++ {
		for x := 0; x < constants.BoardWidth; x++ {
			cell := grid[y][x]
			if cell == current {
				count++
				continue
			}
			if sb.Len() > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(strconv.Itoa(int(current)))
			sb.WriteByte('x')
			sb.WriteString(strconv.Itoa(count))
			current = cell
			count = 1
		}
	}

	if sb.Len() > 0 {
		sb.WriteByte(',')
	}
	sb.WriteString(strconv.Itoa(int(current)))
	sb.WriteByte('x')
	sb.WriteString(strconv.Itoa(count))

	return sb.String()
}

// DecodeBoard reconstruit la grille 10x20 depuis son encodage RLE
func DecodeBoard(encoded string) (*Grid, error) {
	grid := &Grid{}
	idx := 0
	total := constants.BoardWidth * constants.BoardHeight

	for _, segment := range strings.Split(encoded, ",") {
		parts := strings.SplitN(segment, "x", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid RLE segment %q", segment)
		}

		value, err := strconv.Atoi(parts[0])
		if err != nil {
			return nil, fmt.Errorf("invalid RLE value %q: %w", parts[0], err)
		}
		if value < 0 || value > int(PieceL) {
			return nil, fmt.Errorf("RLE value %d out of range", value)
		}

		count, err := strconv.Atoi(parts[1])
		if err != nil {
			return nil, fmt.Errorf("invalid RLE run length %q: %w", parts[1], err)
		}
		if count <= 0 || idx+count > total {
			return nil, fmt.Errorf("RLE run length %d overflows the grid", count)
		}

		for i := 0; i < count; i++ {
			grid[idx/constants.BoardWidth][idx%constants.BoardWidth] = int8(value)
			idx++
		}
	}

	if idx != total {
		return nil, fmt.Errorf("RLE covers %d cells, expected %d", idx, total)
	}
	return grid, nil
}
