package audit

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"
)

const dateFormat = "2006-01-02"

// WriteText prints the report for an operator terminal.
func (r *Report) WriteText(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "records checked:\t%d\n", r.Records)
	fmt.Fprintf(tw, "records with content:\t%d\n", r.Present)
	fmt.Fprintf(tw, "stored files:\t%d\n", r.Blobs)
	fmt.Fprintf(tw, "missing content:\t%d\n", len(r.Dangling))
	fmt.Fprintf(tw, "size mismatches:\t%d\n", len(r.SizeMismatch))
	fmt.Fprintf(tw, "orphaned files:\t%d\n", len(r.Orphans))
	fmt.Fprintf(tw, "took:\t%s\n", r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))

	if len(r.Dangling) > 0 {
		fmt.Fprintln(tw, "\nMISSING CONTENT")
		writeEntries(tw, r.Dangling, false)
	}
	if len(r.SizeMismatch) > 0 {
		fmt.Fprintln(tw, "\nSIZE MISMATCH")
		writeEntries(tw, r.SizeMismatch, true)
	}
	if len(r.Orphans) > 0 {
		fmt.Fprintln(tw, "\nORPHANED FILES")
		fmt.Fprintln(tw, "storage key\tsize\tmodified")
		for _, o := range r.Orphans {
			fmt.Fprintf(tw, "%s\t%d\t%s\n", o.StorageKey, o.SizeBytes, o.ModTime.Format(time.RFC3339))
		}
	}
	if r.NoBlobFound() {
		fmt.Fprintln(tw, "\nWARNING: no record has its content. The storage path is probably wrong.")
	}
	if r.NoRecordFound() {
		fmt.Fprintln(tw, "\nWARNING: no file record exists. The database file is probably wrong.")
	}
	return tw.Flush()
}

func writeEntries(w io.Writer, entries []Entry, withActual bool) {
	header := "name\tstorage key\tsize"
	if withActual {
		header += "\tactual size"
	}
	fmt.Fprintln(w, header+"\tuploaded\tconsultation\towner\tcategory")
	for _, e := range entries {
		line := fmt.Sprintf("%s\t%s\t%d", e.Name, e.StorageKey, e.SizeBytes)
		if withActual {
			line += fmt.Sprintf("\t%d", e.ActualSize)
		}
		consultation := "-"
		if e.ConsultationDate != nil {
			consultation = e.ConsultationDate.Format(dateFormat)
		}
		owner := "-"
		if e.OwnerName != "" || e.OwnerEmail != "" {
			owner = fmt.Sprintf("%s <%s>", e.OwnerName, e.OwnerEmail)
		}
		category := e.Category
		if category == "" {
			category = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", line, e.UploadedAt.Format(dateFormat), consultation, owner, category)
	}
}
