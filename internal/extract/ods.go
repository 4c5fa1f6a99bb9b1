package extract

import (
	"html"
	"regexp"
	"strings"
)

var (
	// odsTable captures a sheet's name and body.
	odsTable = regexp.MustCompile(`(?s)<table:table\s[^>]*?table:name="([^"]*)"[^>]*>(.*?)</table:table>`)
	odsRow   = regexp.MustCompile(`(?s)<table:table-row\b[^>]*?(?:/>|>(.*?)</table:table-row>)`)
	odsCell  = regexp.MustCompile(`(?s)<table:(?:covered-)?table-cell\b[^>]*?(?:/>|>(.*?)</table:(?:covered-)?table-cell>)`)
)

// extractODS renders an OpenDocument spreadsheet like extractExcel: each sheet
// with content becomes a "Sheet: <name>" block of tab-separated rows.
func extractODS(content []byte) (string, error) {
	body, err := readODFContent(content, "ODS")
	if err != nil {
		return "", err
	}
	var sheets []string
	for _, t := range odsTable.FindAllSubmatch(body, -1) {
		var b strings.Builder
		for _, row := range odsRow.FindAllSubmatch(t[2], -1) {
			var cells []string
			for _, cell := range odsCell.FindAllSubmatch(row[1], -1) {
				cells = append(cells, strings.Join(odfParagraphs(cell[1]), " "))
			}
			line := strings.TrimRight(strings.Join(cells, "\t"), "\t ")
			if strings.TrimSpace(line) == "" {
				continue
			}
			if b.Len() == 0 {
				b.WriteString("Sheet: " + html.UnescapeString(string(t[1])))
			}
			b.WriteString("\n" + line)
		}
		if b.Len() > 0 {
			sheets = append(sheets, b.String())
		}
	}
	return strings.Join(sheets, "\n\n"), nil
}
