package fabric

import "fmt"

// CollType identifies a collective operation. Values are single bits so a
// set of types can be iterated by shifting.
type CollType uint32

const (
	CollAllgather      CollType = 1 << 0
	CollAllgatherV     CollType = 1 << 1
	CollAllreduce      CollType = 1 << 2
	CollAlltoall       CollType = 1 << 3
	CollAlltoallV      CollType = 1 << 4
	CollBarrier        CollType = 1 << 5
	CollBcast          CollType = 1 << 6
	CollFanin          CollType = 1 << 7
	CollFanout         CollType = 1 << 8
	CollGather         CollType = 1 << 9
	CollGatherV        CollType = 1 << 10
	CollReduce         CollType = 1 << 11
	CollReduceScatter  CollType = 1 << 12
	CollReduceScatterV CollType = 1 << 13
	CollScatter        CollType = 1 << 14
	CollScatterV       CollType = 1 << 15

	// CollLast is the control record type used for team create, team
	// destroy and job hangup.
	CollLast CollType = 1 << 16
)

var collTypeNames = map[CollType]string{
	CollAllgather:      "Allgather",
	CollAllgatherV:     "Allgatherv",
	CollAllreduce:      "Allreduce",
	CollAlltoall:       "Alltoall",
	CollAlltoallV:      "Alltoallv",
	CollBarrier:        "Barrier",
	CollBcast:          "Bcast",
	CollFanin:          "Fanin",
	CollFanout:         "Fanout",
	CollGather:         "Gather",
	CollGatherV:        "Gatherv",
	CollReduce:         "Reduce",
	CollReduceScatter:  "Reduce_scatter",
	CollReduceScatterV: "Reduce_scatterv",
	CollScatter:        "Scatter",
	CollScatterV:       "Scatterv",
	CollLast:           "Last",
}

func (t CollType) String() string {
	if name, ok := collTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("CollType(%d)", uint32(t))
}

// CollTypes returns every defined collective type in bit order, CollLast
// included.
func CollTypes() []CollType {
	types := make([]CollType, 0, len(collTypeNames))
	for t := CollAllgather; t <= CollLast; t <<= 1 {
		types = append(types, t)
	}
	return types
}

// Datatype is a predefined element type.
type Datatype uint32

const (
	DtInt8 Datatype = iota
	DtInt16
	DtInt32
	DtInt64
	DtInt128
	DtUint8
	DtUint16
	DtUint32
	DtUint64
	DtUint128
	DtFloat16
	DtFloat32
	DtFloat64
	DtBfloat16
)

var datatypeSizes = [...]int{
	DtInt8:     1,
	DtInt16:    2,
	DtInt32:    4,
	DtInt64:    8,
	DtInt128:   16,
	DtUint8:    1,
	DtUint16:   2,
	DtUint32:   4,
	DtUint64:   8,
	DtUint128:  16,
	DtFloat16:  2,
	DtFloat32:  4,
	DtFloat64:  8,
	DtBfloat16: 2,
}

var datatypeNames = [...]string{
	DtInt8:     "int8",
	DtInt16:    "int16",
	DtInt32:    "int32",
	DtInt64:    "int64",
	DtInt128:   "int128",
	DtUint8:    "uint8",
	DtUint16:   "uint16",
	DtUint32:   "uint32",
	DtUint64:   "uint64",
	DtUint128:  "uint128",
	DtFloat16:  "float16",
	DtFloat32:  "float32",
	DtFloat64:  "float64",
	DtBfloat16: "bfloat16",
}

// Size returns the element size in bytes, or 0 for an unknown datatype.
func (d Datatype) Size() int {
	if int(d) < len(datatypeSizes) {
		return datatypeSizes[d]
	}
	return 0
}

func (d Datatype) String() string {
	if int(d) < len(datatypeNames) {
		return datatypeNames[d]
	}
	return fmt.Sprintf("Datatype(%d)", uint32(d))
}

// ParseDatatype maps a datatype name back to its value.
func ParseDatatype(name string) (Datatype, error) {
	for i, n := range datatypeNames {
		if n == name {
			return Datatype(i), nil
		}
	}
	return 0, fmt.Errorf("unknown datatype %q", name)
}

// ReductionOp is an element-wise reduction operator.
type ReductionOp uint32

const (
	OpSum ReductionOp = iota
	OpProd
	OpMax
	OpMin
	OpLand
	OpLor
	OpLxor
	OpBand
	OpBor
	OpBxor
)

var opNames = [...]string{
	OpSum:  "sum",
	OpProd: "prod",
	OpMax:  "max",
	OpMin:  "min",
	OpLand: "land",
	OpLor:  "lor",
	OpLxor: "lxor",
	OpBand: "band",
	OpBor:  "bor",
	OpBxor: "bxor",
}

func (o ReductionOp) String() string {
	if int(o) < len(opNames) {
		return opNames[o]
	}
	return fmt.Sprintf("ReductionOp(%d)", uint32(o))
}

// ParseReductionOp maps an operator name back to its value.
func ParseReductionOp(name string) (ReductionOp, error) {
	for i, n := range opNames {
		if n == name {
			return ReductionOp(i), nil
		}
	}
	return 0, fmt.Errorf("unknown reduction op %q", name)
}

// TagKind separates the tag spaces of team collectives issued by different
// parts of the server.
type TagKind uint8

const (
	KindSetup TagKind = iota + 1
	KindGather
	KindBarrier
	KindReduce
)

func (k TagKind) String() string {
	switch k {
	case KindSetup:
		return "setup"
	case KindGather:
		return "gather"
	case KindBarrier:
		return "barrier"
	case KindReduce:
		return "reduce"
	default:
		return fmt.Sprintf("TagKind(%d)", uint8(k))
	}
}

// Tag matches a team collective across members. Every member of a team must
// post a collective with an identical tag for it to complete, which lets
// several threads run collectives on one team without a global issue order.
type Tag struct {
	Kind   TagKind
	CollID uint32
	Thread uint32
	Seq    uint64
}

func (t Tag) String() string {
	return fmt.Sprintf("%s/%d/%d/%d", t.Kind, t.CollID, t.Thread, t.Seq)
}
