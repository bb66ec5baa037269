package genotype

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"dartsearch/internal/model"
)

// inputsPerNode is how many incoming edges each intermediate node keeps.
const inputsPerNode = 2

// firstIntermediate is the index of the first intermediate node; nodes 0 and
// 1 are the two cell inputs.
const firstIntermediate = 2

// deriveCell keeps the strongest incoming edges of every intermediate node.
// Edge strength is the largest weight of any operation other than none.
func (e *Extractor) deriveCell(edges []model.EdgeWeights) (model.Cell, error) {
	incoming := map[int][]model.EdgeWeights{}
	lastNode := firstIntermediate - 1
	for _, edge := range edges {
		if edge.To < firstIntermediate || edge.From >= edge.To {
			return model.Cell{}, fmt.Errorf("%w: edge %s connects %d -> %d", ErrMalformedEncoding, edge.Name, edge.From, edge.To)
		}
		incoming[edge.To] = append(incoming[edge.To], edge)
		if edge.To > lastNode {
			lastNode = edge.To
		}
	}

	var cell model.Cell
	for node := firstIntermediate; node <= lastNode; node++ {
		candidates := incoming[node]
		if len(candidates) == 0 {
			return model.Cell{}, fmt.Errorf("%w: node %d has no incoming edges", ErrMalformedEncoding, node)
		}
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].Weight > candidates[j].Weight
		})
		keep := min(inputsPerNode, len(candidates))
		for _, edge := range candidates[:keep] {
			cell.Ops = append(cell.Ops, model.CellOp{Op: edge.Op, Input: edge.From, Node: node})
		}
		cell.Concat = append(cell.Concat, node)
	}
	return cell, nil
}

// Format renders g in the conventional Genotype(normal=..., ...) form used in
// search logs.
func Format(g model.Genotype) string {
	return fmt.Sprintf("Genotype(normal=%s, normal_concat=%s, reduce=%s, reduce_concat=%s)",
		formatOps(g.NormalCell.Ops), formatInts(g.NormalCell.Concat),
		formatOps(g.ReduceCell.Ops), formatInts(g.ReduceCell.Concat))
}

// Fingerprint hashes the discrete cells of g. Mixture weights do not
// contribute, so two epochs that derive the same cells share a fingerprint.
func Fingerprint(g model.Genotype) string {
	parts := []string{
		"n=" + formatOps(g.NormalCell.Ops),
		"nc=" + formatInts(g.NormalCell.Concat),
		"r=" + formatOps(g.ReduceCell.Ops),
		"rc=" + formatInts(g.ReduceCell.Concat),
	}
	digest := sha1.Sum([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(digest[:8])
}

func formatOps(ops []model.CellOp) string {
	parts := make([]string, len(ops))
	for i, op := range ops {
		parts[i] = fmt.Sprintf("('%s', %d)", op.Op, op.Input)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func formatInts(values []int) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = fmt.Sprint(v)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
