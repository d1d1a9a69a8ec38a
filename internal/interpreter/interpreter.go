package interpreter

import (
	"fmt"
	"math/bits"

	"github.com/tetratelabs/guestjit/internal/ir"
	"github.com/tetratelabs/guestjit/internal/nativeapi"
)

type tailCall struct {
	callee uint64
	args   []Word
}

// frame is the activation of one function.
type frame struct {
	t      *Thread
	fn     *ir.Function
	values []Word
}

func (f *frame) get(v ir.Value) Word {
	return f.values[v.ID()]
}

func (f *frame) set(v ir.Value, w Word) {
	if v.Type() == ir.TypeI32 {
		w.Lo &= 0xffff_ffff
		w.Hi = 0
	}
	f.values[v.ID()] = w
}

func (f *frame) gather(vs []ir.Value) []Word {
	args := make([]Word, len(vs))
	for i, v := range vs {
		args[i] = f.get(v)
	}
	return args
}

// enter assigns the block parameters of blk from args as one parallel copy.
func (f *frame) enter(blk ir.BasicBlock, args []Word) {
	for i := 0; i < blk.Params(); i++ {
		f.set(blk.Param(i), args[i])
	}
}

// run executes the function until it returns or tail calls another entry.
func (f *frame) run(args []Word) (Word, *tailCall, error) {
	blk := f.fn.Entry()
	f.enter(blk, args)

	for {
		next, res, tail, err := f.runBlock(blk)
		if err != nil || next == nil {
			return res, tail, err
		}
		blk = next
	}
}

// runBlock executes blk and returns the successor block, or the result of the function when it is nil.
func (f *frame) runBlock(blk ir.BasicBlock) (ir.BasicBlock, Word, *tailCall, error) {
	mem := f.t.e.mem
	for cur := blk.Root(); cur != nil; cur = cur.Next() {
		if nativeapi.InterpreterLoggingEnabled {
			fmt.Printf("[interpreter] %s: %s\n", blk.Name(), cur.Format(ir.NewBuilder()))
		}

		switch op := cur.Opcode(); op {
		case ir.OpcodeJump:
			_, vs, target := cur.BranchData()
			f.enter(target, f.gather(vs))
			return target, Word{}, nil, nil
		case ir.OpcodeBrz, ir.OpcodeBrnz:
			c, vs, target := cur.BranchData()
			if (f.get(c).Lo == 0) == (op == ir.OpcodeBrz) {
				f.enter(target, f.gather(vs))
				return target, Word{}, nil, nil
			}
		case ir.OpcodeReturn:
			if vs := cur.ReturnVals(); len(vs) > 0 {
				return nil, f.get(vs[0]), nil, nil
			}
			return nil, Word{}, nil, nil
		case ir.OpcodeCall:
			ref, vs := cur.CallData()
			native := f.t.e.native(ref)
			if native == nil {
				return nil, Word{}, nil, fmt.Errorf("%w: f%d", ErrUnknownNative, ref)
			}
			res, err := native(f.t, f.gather(vs))
			if err != nil {
				return nil, Word{}, nil, err
			}
			if r := cur.Return(); r.Valid() {
				f.set(r, res)
			}
		case ir.OpcodeRaise:
			ref, vs := cur.CallData()
			native := f.t.e.native(ref)
			if native == nil {
				return nil, Word{}, nil, fmt.Errorf("%w: f%d", ErrUnknownNative, ref)
			}
			if _, err := native(f.t, f.gather(vs)); err != nil {
				return nil, Word{}, nil, err
			}
			panic(fmt.Sprintf("BUG: f%d returned from a raise", ref))
		case ir.OpcodeCallIndirect:
			callee, vs := cur.CallIndirectData()
			res, err := f.t.Call(f.get(callee).Lo, f.gather(vs)...)
			if err != nil {
				return nil, Word{}, nil, err
			}
			if r := cur.Return(); r.Valid() {
				f.set(r, res)
			}
		case ir.OpcodeTailCallIndirect:
			callee, vs := cur.CallIndirectData()
			return nil, Word{}, &tailCall{callee: f.get(callee).Lo, args: f.gather(vs)}, nil
		case ir.OpcodeLoad, ir.OpcodeUload8, ir.OpcodeUload16, ir.OpcodeUload32:
			ptr, offset, typ := cur.LoadData()
			size := int(typ.Size())
			switch op {
			case ir.OpcodeUload8:
				size = 1
			case ir.OpcodeUload16:
				size = 2
			case ir.OpcodeUload32:
				size = 4
			}
			lo, hi, err := mem.Load(f.get(ptr).Lo+uint64(offset), size)
			if err != nil {
				return nil, Word{}, nil, err
			}
			f.set(cur.Return(), Word{Lo: lo, Hi: hi})
		case ir.OpcodeStore, ir.OpcodeIstore8, ir.OpcodeIstore16, ir.OpcodeIstore32:
			value, ptr, offset, sizeInBits := cur.StoreData()
			w := f.get(value)
			if err := mem.Store(f.get(ptr).Lo+uint64(offset), int(sizeInBits/8), w.Lo, w.Hi); err != nil {
				return nil, Word{}, nil, err
			}
		case ir.OpcodeAtomicLoad:
			ptr, _, _, size := cur.AtomicData()
			lo, hi, err := mem.AtomicLoad(f.get(ptr).Lo, int(size))
			if err != nil {
				return nil, Word{}, nil, err
			}
			f.set(cur.Return(), Word{Lo: lo, Hi: hi})
		case ir.OpcodeAtomicStore:
			ptr, _, value, size := cur.AtomicData()
			w := f.get(value)
			if err := mem.AtomicStore(f.get(ptr).Lo, int(size), w.Lo, w.Hi); err != nil {
				return nil, Word{}, nil, err
			}
		case ir.OpcodeAtomicCas:
			ptr, expected, value, size := cur.AtomicData()
			e, d := f.get(expected), f.get(value)
			lo, hi, err := mem.AtomicCas(f.get(ptr).Lo, int(size), e.Lo, e.Hi, d.Lo, d.Hi)
			if err != nil {
				return nil, Word{}, nil, err
			}
			f.set(cur.Return(), Word{Lo: lo, Hi: hi})
		case ir.OpcodeFence:
			// Every host memory access is sequentially consistent.
		default:
			f.set(cur.Return(), f.compute(cur))
		}
	}
	panic(fmt.Sprintf("BUG: %s fell through without a terminator", blk.Name()))
}

// compute evaluates the instructions without side effects.
func (f *frame) compute(instr *ir.Instruction) Word {
	typ := instr.Type()
	switch op := instr.Opcode(); op {
	case ir.OpcodeIconst, ir.OpcodeVconst:
		lo, hi := instr.ConstantVal()
		return Word{Lo: lo, Hi: hi}
	case ir.OpcodeIadd, ir.OpcodeIsub, ir.OpcodeBand, ir.OpcodeBor, ir.OpcodeBxor,
		ir.OpcodeIshl, ir.OpcodeUshr, ir.OpcodeSshr, ir.OpcodeRotr:
		x, y := instr.BinaryData()
		return Word{Lo: binary(op, typ, f.get(x).Lo, f.get(y).Lo)}
	case ir.OpcodeIcmp:
		x, y, c := instr.IcmpData()
		if icmp(c, x.Type(), f.get(x).Lo, f.get(y).Lo) {
			return Word{Lo: 1}
		}
		return Word{}
	case ir.OpcodeSelect:
		c, x, y := instr.SelectData()
		if f.get(c).Lo != 0 {
			return f.get(x)
		}
		return f.get(y)
	case ir.OpcodeUExtend:
		from, _ := instr.ExtendFromToBits()
		return Word{Lo: f.get(instr.UnaryData()).Lo & (1<<from - 1)}
	case ir.OpcodeSExtend:
		from, _ := instr.ExtendFromToBits()
		shift := 64 - from
		return Word{Lo: uint64(int64(f.get(instr.UnaryData()).Lo<<shift) >> shift)}
	case ir.OpcodeIreduce:
		return Word{Lo: f.get(instr.UnaryData()).Lo & 0xffff_ffff}
	case ir.OpcodeInsertlane:
		vector, value := instr.BinaryData()
		lane, laneBits := instr.LaneData()
		return insertLane(f.get(vector), f.get(value).Lo, lane, laneBits)
	case ir.OpcodeExtractlane:
		lane, laneBits := instr.LaneData()
		return Word{Lo: extractLane(f.get(instr.UnaryData()), lane, laneBits)}
	default:
		panic(fmt.Sprintf("BUG: unsupported opcode %s", op))
	}
}

func binary(op ir.Opcode, typ ir.Type, x, y uint64) uint64 {
	width := uint64(typ.Bits())
	switch op {
	case ir.OpcodeIadd:
		return x + y
	case ir.OpcodeIsub:
		return x - y
	case ir.OpcodeBand:
		return x & y
	case ir.OpcodeBor:
		return x | y
	case ir.OpcodeBxor:
		return x ^ y
	case ir.OpcodeIshl:
		return x << (y & (width - 1))
	case ir.OpcodeUshr:
		return x >> (y & (width - 1))
	case ir.OpcodeSshr:
		if typ == ir.TypeI32 {
			return uint64(uint32(int32(x) >> (y & 31)))
		}
		return uint64(int64(x) >> (y & 63))
	case ir.OpcodeRotr:
		if typ == ir.TypeI32 {
			return uint64(bits.RotateLeft32(uint32(x), -int(y&31)))
		}
		return bits.RotateLeft64(x, -int(y&63))
	}
	panic("BUG")
}

func icmp(c ir.IntegerCmpCond, typ ir.Type, x, y uint64) bool {
	sx, sy := int64(x), int64(y)
	if typ == ir.TypeI32 {
		sx, sy = int64(int32(x)), int64(int32(y))
	}
	switch c {
	case ir.IntegerCmpCondEqual:
		return x == y
	case ir.IntegerCmpCondNotEqual:
		return x != y
	case ir.IntegerCmpCondSignedLessThan:
		return sx < sy
	case ir.IntegerCmpCondSignedGreaterThanOrEqual:
		return sx >= sy
	case ir.IntegerCmpCondSignedGreaterThan:
		return sx > sy
	case ir.IntegerCmpCondSignedLessThanOrEqual:
		return sx <= sy
	case ir.IntegerCmpCondUnsignedLessThan:
		return x < y
	case ir.IntegerCmpCondUnsignedGreaterThanOrEqual:
		return x >= y
	case ir.IntegerCmpCondUnsignedGreaterThan:
		return x > y
	case ir.IntegerCmpCondUnsignedLessThanOrEqual:
		return x <= y
	}
	panic("BUG: invalid condition")
}

func laneMask(laneBits byte) uint64 {
	if laneBits >= 64 {
		return ^uint64(0)
	}
	return 1<<laneBits - 1
}

func insertLane(v Word, value uint64, lane, laneBits byte) Word {
	pos := uint(lane) * uint(laneBits)
	mask := laneMask(laneBits)
	if pos < 64 {
		v.Lo = v.Lo&^(mask<<pos) | (value&mask)<<pos
	} else {
		pos -= 64
		v.Hi = v.Hi&^(mask<<pos) | (value&mask)<<pos
	}
	return v
}

func extractLane(v Word, lane, laneBits byte) uint64 {
	pos := uint(lane) * uint(laneBits)
	if pos < 64 {
		return v.Lo >> pos & laneMask(laneBits)
	}
	return v.Hi >> (pos - 64) & laneMask(laneBits)
}
