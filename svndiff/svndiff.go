// Package svndiff implements the binary delta format used for deltified
// representations.  A delta starts with the magic "SVN\x00" and consists of
// windows; each window is five packed integers (source view offset, source
// view length, target length, instruction bytes, new data bytes) followed by
// the instructions and the new data.
//
// Instructions are one byte, top two bits opcode, low six bits an immediate
// length (0 means the length follows as a packed integer):
//
//	0 copy from the source view; an offset follows
//	1 copy from the target produced so far; an offset follows
//	2 copy from the new data section
package svndiff

import (
	"bytes"

	"github.com/rcowham/svnfsfs/fserrors"
	"github.com/rcowham/svnfsfs/packedint"
)

var magic = []byte{'S', 'V', 'N', 0}

const (
	opSource = 0
	opTarget = 1
	opNew    = 2
)

// windowSize caps how much target data a single window covers.
const windowSize = 1 << 20

// matchBlock is the granularity of the block-hash match against the source.
const matchBlock = 64

func appendInstr(instr []byte, op int, length uint64) []byte {
	if length > 0 && length < 0x40 {
		return append(instr, byte(op<<6)|byte(length))
	}
	instr = append(instr, byte(op<<6))
	return packedint.AppendUint(instr, length)
}

// Encode produces a delta that transforms source into target.  A nil or
// empty source yields a delta-vs-empty.
func Encode(target, source []byte) []byte {
	out := append([]byte(nil), magic...)
	for start := 0; ; start += windowSize {
		if start >= len(target) {
			if start == 0 && len(target) == 0 {
				// a single empty window keeps decoders honest
				out = encodeWindow(out, nil, source)
			}
			break
		}
		end := start + windowSize
		if end > len(target) {
			end = len(target)
		}
		out = encodeWindow(out, target[start:end], source)
	}
	return out
}

func encodeWindow(out, target, source []byte) []byte {
	var instr, data []byte

	// index the source by fixed-size blocks
	var blocks map[string]int
	if len(source) >= matchBlock {
		blocks = make(map[string]int, len(source)/matchBlock)
		for off := 0; off+matchBlock <= len(source); off += matchBlock {
			key := string(source[off : off+matchBlock])
			if _, ok := blocks[key]; !ok {
				blocks[key] = off
			}
		}
	}

	pendingNew := 0 // run of target bytes with no source match
	flushNew := func(upto int) {
		if pendingNew < upto {
			n := upto - pendingNew
			instr = appendInstr(instr, opNew, uint64(n))
			data = append(data, target[pendingNew:upto]...)
		}
	}

	i := 0
	for i+matchBlock <= len(target) {
		srcOff, ok := blocks[string(target[i:i+matchBlock])]
		if !ok {
			i++
			continue
		}
		// extend the match forward as far as it goes
		n := matchBlock
		for i+n < len(target) && srcOff+n < len(source) &&
			target[i+n] == source[srcOff+n] {
			n++
		}
		flushNew(i)
		instr = appendInstr(instr, opSource, uint64(n))
		instr = packedint.AppendUint(instr, uint64(srcOff))
		i += n
		pendingNew = i
	}
	flushNew(len(target))

	out = packedint.AppendUint(out, 0)                   // source view offset
	out = packedint.AppendUint(out, uint64(len(source))) // source view length
	out = packedint.AppendUint(out, uint64(len(target)))
	out = packedint.AppendUint(out, uint64(len(instr)))
	out = packedint.AppendUint(out, uint64(len(data)))
	out = append(out, instr...)
	out = append(out, data...)
	return out
}

type byteCursor struct {
	buf []byte
	pos int
}

func (c *byteCursor) uint() (uint64, error) {
	v, n, err := packedint.DecodeUint(c.buf[c.pos:])
	if err != nil {
		return 0, err
	}
	c.pos += n
	return v, nil
}

// Expand applies delta to source and returns the reconstructed target.
func Expand(source, delta []byte) ([]byte, error) {
	if !bytes.HasPrefix(delta, magic) {
		return nil, fserrors.New(fserrors.Corrupt, "svndiff has no magic header")
	}
	c := &byteCursor{buf: delta, pos: len(magic)}
	var target []byte
	for c.pos < len(delta) {
		srcOff, err := c.uint()
		if err != nil {
			return nil, corrupt(err)
		}
		srcLen, err := c.uint()
		if err != nil {
			return nil, corrupt(err)
		}
		tgtLen, err := c.uint()
		if err != nil {
			return nil, corrupt(err)
		}
		instrLen, err := c.uint()
		if err != nil {
			return nil, corrupt(err)
		}
		dataLen, err := c.uint()
		if err != nil {
			return nil, corrupt(err)
		}
		if srcOff+srcLen > uint64(len(source)) {
			return nil, fserrors.New(fserrors.Corrupt,
				"svndiff source view [%d,%d) outside source", srcOff, srcOff+srcLen)
		}
		if c.pos+int(instrLen)+int(dataLen) > len(delta) {
			return nil, fserrors.New(fserrors.Corrupt, "truncated svndiff window")
		}
		view := source[srcOff : srcOff+srcLen]
		instr := delta[c.pos : c.pos+int(instrLen)]
		data := delta[c.pos+int(instrLen) : c.pos+int(instrLen)+int(dataLen)]
		c.pos += int(instrLen) + int(dataLen)

		winStart := len(target)
		ic := &byteCursor{buf: instr}
		dataPos := 0
		for ic.pos < len(instr) {
			b := instr[ic.pos]
			ic.pos++
			op := int(b >> 6)
			length := uint64(b & 0x3f)
			if length == 0 {
				if length, err = ic.uint(); err != nil {
					return nil, corrupt(err)
				}
			}
			switch op {
			case opSource:
				off, err := ic.uint()
				if err != nil {
					return nil, corrupt(err)
				}
				if off+length > uint64(len(view)) {
					return nil, fserrors.New(fserrors.Corrupt,
						"svndiff source copy outside view")
				}
				target = append(target, view[off:off+length]...)
			case opTarget:
				off, err := ic.uint()
				if err != nil {
					return nil, corrupt(err)
				}
				// target copies may overlap their own output
				abs := winStart + int(off)
				if abs > len(target) {
					return nil, fserrors.New(fserrors.Corrupt,
						"svndiff target copy outside output")
				}
				for j := uint64(0); j < length; j++ {
					target = append(target, target[abs+int(j)])
				}
			case opNew:
				if dataPos+int(length) > len(data) {
					return nil, fserrors.New(fserrors.Corrupt,
						"svndiff new-data copy outside data section")
				}
				target = append(target, data[dataPos:dataPos+int(length)]...)
				dataPos += int(length)
			default:
				return nil, fserrors.New(fserrors.Corrupt,
					"svndiff invalid instruction opcode")
			}
		}
		if uint64(len(target)-winStart) != tgtLen {
			return nil, fserrors.New(fserrors.Corrupt,
				"svndiff window produced %d bytes, expected %d",
				len(target)-winStart, tgtLen)
		}
	}
	if target == nil {
		target = []byte{}
	}
	return target, nil
}

func corrupt(err error) error {
	return fserrors.Wrap(fserrors.Corrupt, err, "decoding svndiff")
}
