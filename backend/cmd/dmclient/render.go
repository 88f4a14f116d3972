package main

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"

	"github.com/efchatnet/efdm/backend/models"
)

func newTable(out io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(out)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")
	return table
}

func renderConversations(out io.Writer, summaries []models.ConversationSummary) {
	if len(summaries) == 0 {
		fmt.Fprintln(out, "no conversations")
		return
	}
	table := newTable(out, "With", "Name", "Last message", "At", "Unread")
	for _, c := range summaries {
		preview, at := "", ""
		if c.LastMessage != nil {
			preview = truncate(c.LastMessage.Content, 40)
			at = c.LastMessageAt.Local().Format(time.DateTime)
		}
		table.Append([]string{c.CounterpartID, c.CounterpartProfile.FullName, preview, at, fmt.Sprint(c.UnreadCount)})
	}
	table.Render()
}

func renderUnread(out io.Writer, counts map[string]int) {
	if len(counts) == 0 {
		fmt.Fprintln(out, "nothing unread")
		return
	}
	table := newTable(out, "From", "Unread")
	keys := lo.Keys(counts)
	sort.Strings(keys)
	for _, id := range keys {
		table.Append([]string{id, fmt.Sprint(counts[id])})
	}
	table.Render()
}

func renderProfiles(out io.Writer, profiles []models.UserProfile) {
	if len(profiles) == 0 {
		fmt.Fprintln(out, "no users found")
		return
	}
	table := newTable(out, "Id", "Name", "Email")
	for _, p := range profiles {
		table.Append([]string{p.ID, p.FullName, p.Email})
	}
	table.Render()
}

func renderMessages(out io.Writer, self string, messages []models.Message) {
	for _, m := range messages {
		fmt.Fprintln(out, formatLine(self, m))
	}
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-1]) + "…"
}
