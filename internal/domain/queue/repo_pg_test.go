package queue

import (
	"regexp"
	"strings"
	"testing"
)

var spaces = regexp.MustCompile(`\s+`)

func squash(sql string) string {
	return strings.TrimSpace(spaces.ReplaceAllString(sql, " "))
}

func TestRepoPG_ServiceOrderMatchesBefore(t *testing.T) {
	if serviceOrder != "ORDER BY priority_rank DESC, enqueued_at, seq" {
		t.Errorf("serviceOrder = %q", serviceOrder)
	}
	for name, sql := range map[string]string{"peek": peekNextSQL, "list": listOpenSQL} {
		if !strings.Contains(squash(sql), serviceOrder) {
			t.Errorf("%s query is not in service order: %s", name, squash(sql))
		}
	}
	if !strings.HasSuffix(squash(peekNextSQL), "LIMIT 1") {
		t.Errorf("peek should return a single row: %s", squash(peekNextSQL))
	}
	if strings.Contains(squash(peekNextSQL), "FOR UPDATE") {
		t.Errorf("peek must not lock rows: %s", squash(peekNextSQL))
	}
}

func TestRepoPG_WritesAreStatusChecked(t *testing.T) {
	tests := []struct {
		name string
		sql  string
		want []string
	}{
		{"update", updateEntrySQL, []string{"WHERE id = $1 AND status = $6"}},
		{"priority", updatePrioritySQL, []string{
			"SET priority = $2, priority_rank = $3",
			"WHERE id = $1 AND status = $4",
		}},
		{"delete", deleteEntrySQL, []string{"status IN ('waiting', 'on_hold')"}},
		{"insert", insertEntrySQL, []string{"priority_rank", "RETURNING seq"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := squash(tt.sql)
			for _, w := range tt.want {
				if !strings.Contains(got, w) {
					t.Errorf("%q missing %q", got, w)
				}
			}
		})
	}
	if strings.Contains(updatePrioritySQL, "enqueued_at") {
		t.Error("re-triage must not move the entry's arrival time")
	}
}
