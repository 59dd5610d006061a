package internal

import (
	"chitchat/contract"
	"chitchat/domain"
	"context"
	"embed"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"
)

//go:embed inspect.html
var templatesFS embed.FS

// Collections are the collections the inspector knows how to summarize.
var Collections = []string{domain.RoomsCollection, domain.ParticipantsCollection, domain.ResourcesCollection}

type DocumentRow struct {
	Collection string
	ID         string
	Summary    string
}

type PageData struct {
	Collection  string
	Collections []string
	Items       []DocumentRow
	Stats       map[string]int
}

// ListDocuments reads every document of the collections, sorted by id
// within each collection.
func ListDocuments(ctx context.Context, store contract.IDocumentStore, collections ...string) ([]DocumentRow, error) {
	var rows []DocumentRow
	for _, collection := range collections {
		docs, err := store.Find(ctx, collection, contract.Document{})
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", collection, err)
		}
		found := lo.Map(docs, func(doc contract.Document, _ int) DocumentRow {
			return DocumentRow{Collection: collection, ID: fmt.Sprint(doc["_id"]), Summary: Summarize(collection, doc)}
		})
		slices.SortFunc(found, func(a, b DocumentRow) int { return strings.Compare(a.ID, b.ID) })
		rows = append(rows, found...)
	}
	return rows, nil
}

// Summarize renders the fields of a document worth a glance.
func Summarize(collection string, doc contract.Document) string {
	switch collection {
	case domain.RoomsCollection:
		info, err := domain.RoomInfoFromDocument(doc)
		if err != nil {
			return "invalid room: " + err.Error()
		}
		messages, _ := doc["messages"].([]any)
		summary := fmt.Sprintf("%s by %s, %d messages", info.Type, info.Creator, len(messages))
		if len(info.Subjects) > 0 {
			summary += " [" + strings.Join(info.Subjects, ", ") + "]"
		}
		return summary
	case domain.ParticipantsCollection:
		return fmt.Sprintf("%v in %v", doc["participant"], doc["room"])
	case domain.ResourcesCollection:
		return fmt.Sprintf("owner %v, modified %v", doc["owner"], doc["modified"])
	default:
		return fmt.Sprintf("%d fields", len(doc))
	}
}

func WriteTable(w io.Writer, rows []DocumentRow) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Collection", "ID", "Summary"})
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")
	for _, row := range rows {
		table.Append([]string{row.Collection, row.ID, row.Summary})
	}
	table.Render()
}

// InspectHandler serves the documents of one collection as a page,
// chosen with the collection query parameter.
func InspectHandler(store contract.IDocumentStore, log *slog.Logger) http.Handler {
	tmpl := template.Must(template.ParseFS(templatesFS, "inspect.html"))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		collection := r.URL.Query().Get("collection")
		if collection == "" {
			collection = domain.RoomsCollection
		}
		data := PageData{Collection: collection, Collections: Collections, Stats: make(map[string]int)}

		for _, c := range Collections {
			docs, err := store.Find(r.Context(), c, contract.Document{})
			if err != nil {
				log.Error("Inspection failed", "collection", c, "error", err)
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			data.Stats[c] = len(docs)
		}
		rows, err := ListDocuments(r.Context(), store, collection)
		if err != nil {
			log.Error("Inspection failed", "collection", collection, "error", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		data.Items = rows

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := tmpl.Execute(w, data); err != nil {
			log.Error("Rendering failed", "error", err)
		}
	})
}
