package tracking

import "sort"

// box is x1, y1, x2, y2
type box [4]float64

func iou(a, b box) float64 {
	ix1 := max(a[0], b[0])
	iy1 := max(a[1], b[1])
	ix2 := min(a[2], b[2])
	iy2 := min(a[3], b[3])

	iw := ix2 - ix1
	ih := iy2 - iy1
	if iw <= 0 || ih <= 0 {
		return 0
	}
	inter := iw * ih
	union := (a[2]-a[0])*(a[3]-a[1]) + (b[2]-b[0])*(b[3]-b[1]) - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

type pair struct {
	row, col int
	iou      float64
}

// greedyMatch associates rows with columns by descending IoU. Pairs at or
// below minIoU are never matched. Ties keep the lower row then column.
func greedyMatch(rows, cols []box, minIoU float64) (matches []pair, unmatchedRows, unmatchedCols []int) {
	candidates := make([]pair, 0, len(rows)*len(cols))
	for r := range rows {
		for c := range cols {
			if v := iou(rows[r], cols[c]); v > minIoU {
				candidates = append(candidates, pair{row: r, col: c, iou: v})
			}
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].iou > candidates[j].iou
	})

	rowUsed := make([]bool, len(rows))
	colUsed := make([]bool, len(cols))
	for _, p := range candidates {
		if rowUsed[p.row] || colUsed[p.col] {
			continue
		}
		rowUsed[p.row] = true
		colUsed[p.col] = true
		matches = append(matches, p)
	}

	for r, used := range rowUsed {
		if !used {
			unmatchedRows = append(unmatchedRows, r)
		}
	}
	for c, used := range colUsed {
		if !used {
			unmatchedCols = append(unmatchedCols, c)
		}
	}
	return matches, unmatchedRows, unmatchedCols
}
