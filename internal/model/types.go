package model

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// ParamKind separates architecture mixture weights from ordinary network weights.
type ParamKind string

const (
	KindArchitecture ParamKind = "architecture"
	KindWeight       ParamKind = "weight"
)

// Group tags an architecture edge as belonging to normal or reduction cells.
type Group string

const (
	GroupNormal Group = "normal"
	GroupReduce Group = "reduce"
)

// ParamSpec describes one named parameter tensor. Group, From and To are only
// meaningful for architecture parameters.
type ParamSpec struct {
	Name  string    `json:"name"`
	Kind  ParamKind `json:"kind"`
	Group Group     `json:"group,omitempty"`
	Size  int       `json:"size"`
	From  int       `json:"from,omitempty"`
	To    int       `json:"to,omitempty"`
}

// NamedTensor is the persisted form of a single parameter tensor.
type NamedTensor struct {
	Name   string    `json:"name"`
	Values []float64 `json:"values"`
}

// EdgeWeights is one decoded architecture edge: the normalized mixture over
// candidate operations plus the strongest non-zero operation.
type EdgeWeights struct {
	Edge    int       `json:"edge"`
	Name    string    `json:"name"`
	From    int       `json:"from"`
	To      int       `json:"to"`
	Op      string    `json:"op"`
	Weight  float64   `json:"weight"`
	Weights []float64 `json:"weights"`
}

// CellOp is one retained connection of a derived discrete cell.
type CellOp struct {
	Op    string `json:"op"`
	Input int    `json:"input"`
	Node  int    `json:"node"`
}

// Cell is the discrete cell derived from a group of edges.
type Cell struct {
	Ops    []CellOp `json:"ops"`
	Concat []int    `json:"concat"`
}

type Genotype struct {
	VersionedRecord
	RunID      string        `json:"run_id,omitempty"`
	Epoch      int           `json:"epoch"`
	Primitives []string      `json:"primitives"`
	Normal     []EdgeWeights `json:"normal"`
	Reduce     []EdgeWeights `json:"reduce"`
	NormalCell Cell          `json:"normal_cell"`
	ReduceCell Cell          `json:"reduce_cell"`
	// Fingerprint identifies the derived discrete cells; equal fingerprints
	// mean the same discrete architecture.
	Fingerprint string `json:"fingerprint"`
}

// EpochRecord summarizes one completed search epoch.
type EpochRecord struct {
	VersionedRecord
	Epoch         int     `json:"epoch"`
	TrainSteps    int     `json:"train_steps"`
	ValidSteps    int     `json:"valid_steps"`
	LastLR        float64 `json:"last_lr"`
	TrainLoss     float64 `json:"train_loss"`
	TrainTop1     float64 `json:"train_top1"`
	TrainTop5     float64 `json:"train_top5"`
	ValidLoss     float64 `json:"valid_loss"`
	ValidTop1     float64 `json:"valid_top1"`
	ValidTop5     float64 `json:"valid_top5"`
	BestValidTop1 float64 `json:"best_valid_top1"`
}

// Checkpoint is a saved parameter set addressed by run and path.
type Checkpoint struct {
	VersionedRecord
	ID           string        `json:"id"`
	RunID        string        `json:"run_id"`
	Path         string        `json:"path"`
	Epoch        int           `json:"epoch"`
	Tensors      []NamedTensor `json:"tensors"`
	CreatedAtUTC string        `json:"created_at_utc"`
}

// RunSummary is the persisted outcome of one search run.
type RunSummary struct {
	VersionedRecord
	RunID         string  `json:"run_id"`
	Epochs        int     `json:"epochs"`
	BestValidTop1 float64 `json:"best_valid_top1"`
	FinalGenotype string  `json:"final_genotype,omitempty"`
}
