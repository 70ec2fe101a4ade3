package wasmgen

// Instruction opcodes used by the generated designs.
const (
	opUnreachable = 0x00
	opBlock       = 0x02
	opLoop        = 0x03
	opIf          = 0x04
	opElse        = 0x05
	opEnd         = 0x0B
	opBr          = 0x0C
	opBrIf        = 0x0D
	opReturn      = 0x0F
	opCall        = 0x10
	opDrop        = 0x1A
	opLocalGet    = 0x20
	opLocalSet    = 0x21
	opLocalTee    = 0x22
	opGlobalGet   = 0x23
	opGlobalSet   = 0x24
	opI32Load     = 0x28
	opI64Load     = 0x29
	opI32Load8U   = 0x2D
	opI32Load16U  = 0x2F
	opI32Store    = 0x36
	opI64Store    = 0x37
	opI32Store8   = 0x3A
	opI32Store16  = 0x3B
	opI32Const    = 0x41
	opI64Const    = 0x42
	opI32Eqz      = 0x45
	opI32Eq       = 0x46
	opI32Ne       = 0x47
	opI32LtU      = 0x49
	opI32GtU      = 0x4B
	opI32GeU      = 0x4F
	opI32Add      = 0x6A
	opI32Sub      = 0x6B
	opI32Mul      = 0x6C
	opI32And      = 0x71

	blockVoid = 0x40
)

// Code accumulates the instruction stream of one function body. Every
// method appends one instruction and returns the receiver so bodies read
// top to bottom.
type Code struct {
	w Writer
}

// NewCode returns an empty instruction stream.
func NewCode() *Code {
	return &Code{}
}

// Bytes returns the encoded instructions without the trailing end.
func (c *Code) Bytes() []byte {
	return c.w.Bytes()
}

func (c *Code) op(b byte) *Code {
	c.w.Byte(b)
	return c
}

func (c *Code) idx(b byte, i uint32) *Code {
	c.w.Byte(b)
	c.w.WriteU32(i)
	return c
}

func (c *Code) mem(b byte, align, offset uint32) *Code {
	c.w.Byte(b)
	c.w.WriteU32(align)
	c.w.WriteU32(offset)
	return c
}

func (c *Code) block(b byte) *Code {
	c.w.Byte(b)
	c.w.Byte(blockVoid)
	return c
}

func (c *Code) Unreachable() *Code { return c.op(opUnreachable) }

func (c *Code) Block() *Code { return c.block(opBlock) }
func (c *Code) Loop() *Code  { return c.block(opLoop) }
func (c *Code) If() *Code    { return c.block(opIf) }
func (c *Code) Else() *Code  { return c.op(opElse) }
func (c *Code) End() *Code   { return c.op(opEnd) }

// Br branches to the enclosing label at depth.
func (c *Code) Br(depth uint32) *Code   { return c.idx(opBr, depth) }
func (c *Code) BrIf(depth uint32) *Code { return c.idx(opBrIf, depth) }
func (c *Code) Return() *Code           { return c.op(opReturn) }
func (c *Code) Call(fn uint32) *Code    { return c.idx(opCall, fn) }
func (c *Code) Drop() *Code             { return c.op(opDrop) }

func (c *Code) LocalGet(i uint32) *Code  { return c.idx(opLocalGet, i) }
func (c *Code) LocalSet(i uint32) *Code  { return c.idx(opLocalSet, i) }
func (c *Code) LocalTee(i uint32) *Code  { return c.idx(opLocalTee, i) }
func (c *Code) GlobalGet(i uint32) *Code { return c.idx(opGlobalGet, i) }
func (c *Code) GlobalSet(i uint32) *Code { return c.idx(opGlobalSet, i) }

// Loads and stores take the natural alignment exponent.
func (c *Code) I32Load(offset uint32) *Code    { return c.mem(opI32Load, 2, offset) }
func (c *Code) I64Load(offset uint32) *Code    { return c.mem(opI64Load, 3, offset) }
func (c *Code) I32Load8U(offset uint32) *Code  { return c.mem(opI32Load8U, 0, offset) }
func (c *Code) I32Load16U(offset uint32) *Code { return c.mem(opI32Load16U, 1, offset) }
func (c *Code) I32Store(offset uint32) *Code   { return c.mem(opI32Store, 2, offset) }
func (c *Code) I64Store(offset uint32) *Code   { return c.mem(opI64Store, 3, offset) }
func (c *Code) I32Store8(offset uint32) *Code  { return c.mem(opI32Store8, 0, offset) }
func (c *Code) I32Store16(offset uint32) *Code { return c.mem(opI32Store16, 1, offset) }

func (c *Code) I32Const(v int32) *Code {
	c.w.Byte(opI32Const)
	c.w.WriteS64(int64(v))
	return c
}

func (c *Code) I64Const(v int64) *Code {
	c.w.Byte(opI64Const)
	c.w.WriteS64(v)
	return c
}

func (c *Code) I32Eqz() *Code { return c.op(opI32Eqz) }
func (c *Code) I32Eq() *Code  { return c.op(opI32Eq) }
func (c *Code) I32Ne() *Code  { return c.op(opI32Ne) }
func (c *Code) I32LtU() *Code { return c.op(opI32LtU) }
func (c *Code) I32GtU() *Code { return c.op(opI32GtU) }
func (c *Code) I32GeU() *Code { return c.op(opI32GeU) }
func (c *Code) I32Add() *Code { return c.op(opI32Add) }
func (c *Code) I32Sub() *Code { return c.op(opI32Sub) }
func (c *Code) I32Mul() *Code { return c.op(opI32Mul) }
func (c *Code) I32And() *Code { return c.op(opI32And) }
