package sync

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"

	"github.com/brandon/mailsync/internal/identity"
)

func newTable(w io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetBorder(false)
	table.SetHeaderLine(true)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	return table
}

func hunkRow(i int, h Hunk) []string {
	target := h.Side.String()
	if h.Kind == CopyMessage {
		target = h.From.String() + " → " + h.Side.String()
	}
	detail := ""
	switch h.Kind {
	case CopyMessage:
		detail = h.Flags.String()
		if h.Size > 0 {
			detail += ", " + humanize.Bytes(uint64(h.Size))
		}
	case UpdateFlags:
		detail = h.Flags.String()
	}
	return []string{
		strconv.Itoa(i + 1),
		h.Kind.String(),
		h.Folder,
		identity.Short(h.Identity, 12),
		target,
		detail,
	}
}

// RenderPatch writes a table of the hunks of p.
func RenderPatch(w io.Writer, p SyncPatch) {
	if p.Empty() {
		fmt.Fprintln(w, "Nothing to do.")
		return
	}
	table := newTable(w, []string{"#", "Hunk", "Folder", "Identity", "Side", "Detail"})
	i := 0
	for _, h := range p.Folders {
		table.Append(hunkRow(i, h))
		i++
	}
	var bytes int64
	for _, fp := range p.Emails {
		for _, h := range fp.Hunks {
			table.Append(hunkRow(i, h))
			if h.Kind == CopyMessage {
				bytes += h.Size
			}
			i++
		}
	}
	table.Render()
	fmt.Fprintf(w, "%s hunks, %s to copy\n", humanize.Comma(int64(p.Len())), humanize.Bytes(uint64(bytes)))
}

// RenderReport writes every hunk with its outcome, followed by folder
// and expunge errors and a summary line.
func RenderReport(w io.Writer, r *Report) {
	table := newTable(w, []string{"#", "Hunk", "Folder", "Identity", "Side", "Detail", "Status", "Error"})
	i := 0
	for _, list := range []PatchReport{r.Folder, r.Email} {
		for _, res := range list {
			row := hunkRow(i, res.Hunk)
			errText := ""
			if res.Err != nil {
				errText = res.Err.Error()
			}
			table.Append(append(row, res.Status.String(), errText))
			i++
		}
	}
	if i > 0 {
		table.Render()
	}

	for _, fe := range r.FolderErrors {
		fmt.Fprintf(w, "folder %s skipped: %v\n", fe.Folder, fe.Err)
	}
	for _, e := range r.Expunged {
		if e.Err != nil {
			fmt.Fprintf(w, "expunge of %s on %s failed: %v\n", e.Folder, e.Side, e.Err)
		}
	}
	fmt.Fprintln(w, SummaryLine(r))
}

// SummaryLine is a one line account of r.
func SummaryLine(r *Report) string {
	s := r.Summary()
	mode, bytes := "sync", humanize.Bytes(uint64(s.Bytes))+" copied"
	if r.DryRun {
		mode, bytes = "dry run", humanize.Bytes(uint64(s.PendingBytes))+" to copy"
	}
	line := fmt.Sprintf("%s %s: %s hunks, %s applied, %s failed, %s skipped, %s, took %s",
		mode, r.RunID,
		humanize.Comma(int64(s.FolderHunks+s.EmailHunks)),
		humanize.Comma(int64(s.Applied)),
		humanize.Comma(int64(s.Failed)),
		humanize.Comma(int64(s.Skipped)),
		bytes,
		r.Finished.Sub(r.Started).Round(time.Millisecond),
	)
	if r.Canceled {
		line += " (canceled)"
	}
	return line
}
