package transport

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Intra is an in-process duplex channel. The two ends of one channel share a
// rendezvous name; whichever end is constructed first allocates the pipe pair
// and parks the other end until its argument is presented.
type Intra struct {
	r *io.PipeReader
	w *io.PipeWriter
}

type intraPending struct {
	ends  [2]*Intra
	taken [2]bool
}

var (
	intraMu  sync.Mutex
	intraReg = make(map[string]*intraPending)
)

// IntraArguments returns a matched pair of opaque arguments for the two ends
// of one in-process channel. Each argument may be used exactly once.
func IntraArguments() ([]byte, []byte) {
	name := randomName()
	return []byte(name + "/0"), []byte(name + "/1")
}

// NewIntra constructs one end of an in-process channel from its argument.
// Presenting the same argument twice is an error.
func NewIntra(arg []byte) (*Intra, error) {
	name, side, err := parseIntraArg(string(arg))
	if err != nil {
		return nil, err
	}

	intraMu.Lock()
	defer intraMu.Unlock()

	pending, ok := intraReg[name]
	if !ok {
		r0, w0 := io.Pipe()
		r1, w1 := io.Pipe()
		pending = &intraPending{
			ends: [2]*Intra{
				{r: r0, w: w1},
				{r: r1, w: w0},
			},
		}
		intraReg[name] = pending
	}

	if pending.taken[side] {
		return nil, fmt.Errorf("intra channel %q: end %d already taken", name, side)
	}
	pending.taken[side] = true

	if pending.taken[0] && pending.taken[1] {
		delete(intraReg, name)
	}

	return pending.ends[side], nil
}

// Split implements Transport.
func (i *Intra) Split() (io.Reader, io.Writer) {
	return i.r, i.w
}

// Close implements Transport. Both halves are closed, which fails the peer
// end's pending reads and writes.
func (i *Intra) Close() error {
	i.w.Close()
	return i.r.Close()
}

func parseIntraArg(arg string) (name string, side int, err error) {
	idx := strings.LastIndexByte(arg, '/')
	if idx < 0 {
		return "", 0, fmt.Errorf("malformed intra argument %q", arg)
	}
	name = arg[:idx]
	switch arg[idx+1:] {
	case "0":
		side = 0
	case "1":
		side = 1
	default:
		return "", 0, fmt.Errorf("malformed intra argument %q", arg)
	}
	return name, side, nil
}

func randomName() string {
	id, err := uuid.NewV7()
	if err != nil {
		// v7 generation only fails if the random source does, in which
		// case v4 from the fallback source is still usable.
		id = uuid.New()
	}
	return strings.ReplaceAll(id.String(), "-", "")
}
