package export

import (
	"bufio"
	"fmt"
	"io"
)

// writeTXT writes plain text. With page numbers on, pages after the first
// are preceded by a separator line naming the page.
func writeTXT(w io.Writer, doc document) error {
	bw := bufio.NewWriter(w)
	if doc.Title != "" {
		fmt.Fprintf(bw, "%s\n\n", doc.Title)
	}
	for i, p := range doc.Pages {
		if i > 0 {
			if doc.PageNumbers {
				fmt.Fprintf(bw, "\n\n--- Page %d ---\n\n", p.Number)
			} else {
				bw.WriteString("\n\n")
			}
		}
		bw.WriteString(p.Text)
	}
	bw.WriteString("\n")
	return bw.Flush()
}

// writeMD writes "# title" and one "## Page N" heading per page.
func writeMD(w io.Writer, doc document) error {
	bw := bufio.NewWriter(w)
	if doc.Title != "" {
		fmt.Fprintf(bw, "# %s\n\n", doc.Title)
	}
	for _, p := range doc.Pages {
		if doc.PageNumbers {
			fmt.Fprintf(bw, "## Page %d\n\n", p.Number)
		}
		fmt.Fprintf(bw, "%s\n\n", p.Text)
	}
	return bw.Flush()
}
