package render

import (
	"strconv"
	"strings"
	"unicode/utf8"
)

// Markers used by the text drawing.
const (
	HazardMarker = "🔥"
	ParkedMarker = "P"
	BlankMarker  = "·"
)

// Text draws the frame as a bordered table, one cell per column.
func (f Frame) Text() string {
	if f.Empty() {
		return ""
	}
	labels := make([][]string, len(f.Rows))
	width := 1
	for r, row := range f.Rows {
		labels[r] = make([]string, len(row))
		for c, cell := range row {
			label := cellLabel(cell)
			labels[r][c] = label
			if n := displayWidth(label); n > width {
				width = n
			}
		}
	}

	var b strings.Builder
	separator := rowSeparator(len(labels[0]), width)
	b.WriteString(separator)
	for _, row := range labels {
		b.WriteString("|")
		for _, label := range row {
			b.WriteString(" ")
			b.WriteString(label)
			b.WriteString(strings.Repeat(" ", width-displayWidth(label)))
			b.WriteString(" |")
		}
		b.WriteString("\n")
		b.WriteString(separator)
	}
	return b.String()
}

// displayWidth counts terminal columns. The hazard marker is a wide glyph and
// takes two.
func displayWidth(s string) int {
	return utf8.RuneCountInString(s) + strings.Count(s, HazardMarker)
}

func rowSeparator(cols, width int) string {
	var b strings.Builder
	b.WriteString("+")
	for i := 0; i < cols; i++ {
		b.WriteString(strings.Repeat("-", width+2))
		b.WriteString("+")
	}
	b.WriteString("\n")
	return b.String()
}

func cellLabel(cell CellView) string {
	if cell.Kind == KindBlank {
		return BlankMarker
	}
	parts := make([]string, 0, len(cell.Vehicles))
	for _, v := range cell.Vehicles {
		parts = append(parts, vehicleLabel(v))
	}
	joined := strings.Join(parts, ",")
	switch cell.Kind {
	case KindParking:
		return ParkedMarker + "[" + joined + "]"
	case KindAccident:
		if len(parts) == 0 {
			return HazardMarker
		}
		return joined
	default:
		return joined
	}
}

func vehicleLabel(v Vehicle) string {
	label := v.ID
	if v.Details != nil {
		label += "(speed=" + formatNumber(v.Details.Speed) + " wait=" + formatNumber(v.Details.WaitingTime) + ")"
	}
	if v.Hazard {
		label = HazardMarker + label + HazardMarker
	}
	return label
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'g', 4, 64)
}
