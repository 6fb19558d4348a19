package diff

import "strings"

// Line is one row of a line-level comparison.
type Line struct {
	Type    string `json:"type"` // "added", "removed", "unchanged"
	Content string `json:"content"`
	OldLine int    `json:"old_line,omitempty"`
	NewLine int    `json:"new_line,omitempty"`
}

// Lines compares two texts line by line using the longest common subsequence.
// Used for comparing stored versions, not for the wire.
func Lines(from, to string) []Line {
	oldLines := strings.Split(from, "\n")
	newLines := strings.Split(to, "\n")

	lcs := lcsMatrix(oldLines, newLines)
	return backtrack(oldLines, newLines, lcs)
}

func lcsMatrix(a, b []string) [][]int {
	m, n := len(a), len(b)
	dp := make([][]int, m+1)
	for i := range dp {
		dp[i] = make([]int, n+1)
	}

	for i := 1; i <= m; i++ {
		for j := 1; j <= n; j++ {
			if a[i-1] == b[j-1] {
				dp[i][j] = dp[i-1][j-1] + 1
			} else {
				dp[i][j] = max(dp[i-1][j], dp[i][j-1])
			}
		}
	}
	return dp
}

func backtrack(oldLines, newLines []string, lcs [][]int) []Line {
	i, j := len(oldLines), len(newLines)

	var stack []Line
	for i > 0 || j > 0 {
		switch {
		case i > 0 && j > 0 && oldLines[i-1] == newLines[j-1]:
			stack = append(stack, Line{Type: "unchanged", Content: oldLines[i-1], OldLine: i, NewLine: j})
			i--
			j--
		case j > 0 && (i == 0 || lcs[i][j-1] >= lcs[i-1][j]):
			stack = append(stack, Line{Type: "added", Content: newLines[j-1], NewLine: j})
			j--
		default:
			stack = append(stack, Line{Type: "removed", Content: oldLines[i-1], OldLine: i})
			i--
		}
	}

	result := make([]Line, 0, len(stack))
	for k := len(stack) - 1; k >= 0; k-- {
		result = append(result, stack[k])
	}
	return result
}
