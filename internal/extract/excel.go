package extract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

// extractExcel renders each visible sheet as one paragraph: a "Sheet: <name>"
// heading followed by its non-empty rows, cells separated by tabs.
func extractExcel(content []byte) (string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(content))
	if err != nil {
		return "", fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	var sheets []string
	for _, name := range f.GetSheetList() {
		if visible, err := f.GetSheetVisible(name); err == nil && !visible {
			continue
		}
		rows, err := f.GetRows(name)
		if err != nil {
			return "", fmt.Errorf("read sheet %q: %w", name, err)
		}
		var b strings.Builder
		for _, row := range rows {
			line := strings.TrimRight(strings.Join(row, "\t"), "\t ")
			if strings.TrimSpace(line) == "" {
				continue
			}
			if b.Len() == 0 {
				b.WriteString("Sheet: " + name)
			}
			b.WriteString("\n" + line)
		}
		if b.Len() > 0 {
			sheets = append(sheets, b.String())
		}
	}
	return strings.Join(sheets, "\n\n"), nil
}
