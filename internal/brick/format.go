// Package brick builds sparse brick page tables and packed brick atlases.
//
// A brick is one chunk-sized block of a scale's data array. The page table
// marks which bricks hold any signal and gives each occupied brick a slot in
// the atlas; the atlas stacks the occupied bricks along z in slot order.
package brick

import "fmt"

// Format is the texture channel layout of an atlas.
type Format int

// Texture formats.
const (
	Red Format = iota + 1
	RedGreen
	RGBA
)

// destChannels maps a format to the destination channel of each source
// channel it can hold.
var destChannels = map[Format][]int{
	Red:      {0},
	RedGreen: {0, 1},
	RGBA:     {0, 1, 2, 3},
}

// FormatFor returns the texture format used for a source channel count.
func FormatFor(sourceChannels int) Format {
	switch sourceChannels {
	case 1:
		return Red
	case 2:
		return RedGreen
	default:
		return RGBA
	}
}

// Channels returns the number of texture channels of f.
func (f Format) Channels() int {
	return len(destChannels[f])
}

// DestChannel maps a source channel to its texture channel. Source channels
// beyond the format's capacity are dropped.
func (f Format) DestChannel(source int) (int, bool) {
	table := destChannels[f]
	if source < 0 || source >= len(table) {
		return 0, false
	}
	return table[source], true
}

// ForcesAlpha reports whether the alpha channel of f is filled with full
// intensity for the given source channel count.
func (f Format) ForcesAlpha(sourceChannels int) bool {
	return f == RGBA && sourceChannels == 3
}

func (f Format) String() string {
	switch f {
	case Red:
		return "red"
	case RedGreen:
		return "red-green"
	case RGBA:
		return "rgba"
	default:
		return fmt.Sprintf("Format(%d)", int(f))
	}
}
