package main

import (
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	config "korkibot/app/configs"
	"korkibot/app/core/nudge"
)

type report struct {
	GeneratedAt   string         `json:"generated_at"`
	DatabasePath  string         `json:"database_path"`
	CountByStatus map[string]int `json:"count_by_status"`
	ActiveTotal   int            `json:"active_total"`
	Upcoming      []upcomingTask `json:"upcoming"`
	Overdue       []upcomingTask `json:"overdue"`
}

type upcomingTask struct {
	ID       string `json:"id"`
	UserID   string `json:"user_id"`
	Status   string `json:"status"`
	Level    int    `json:"level"`
	Attempts int    `json:"attempts"`
	DueAt    string `json:"due_at"`
}

func main() {
	configPath := flag.String("config", config.DefaultPath(), "path to runtime config json")
	horizonHrs := flag.Int("horizon", 24, "hours ahead to list upcoming reminders")
	outputPath := flag.String("output", "-", "path to write the report (use - for stdout)")
	flag.Parse()

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "nudge report failed: load config: %v\n", err)
		os.Exit(2)
	}
	if cfg.Store.Driver != "sqlite" {
		fmt.Fprintf(os.Stderr, "nudge report failed: store driver %q is not sqlite\n", cfg.Store.Driver)
		os.Exit(2)
	}

	dbPath := filepath.Join(cfg.Store.DataDir, "korkibot.db")
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "nudge report failed: open %s: %v\n", dbPath, err)
		os.Exit(2)
	}
	defer conn.Close()

	rep, err := buildReport(conn, dbPath, time.Now().UTC(), time.Duration(*horizonHrs)*time.Hour)
	if err != nil {
		fmt.Fprintf(os.Stderr, "nudge report failed: %v\n", err)
		os.Exit(2)
	}

	payload, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "nudge report failed: marshal report: %v\n", err)
		os.Exit(2)
	}
	payload = append(payload, '\n')

	if *outputPath == "-" {
		if _, err := os.Stdout.Write(payload); err != nil {
			fmt.Fprintf(os.Stderr, "nudge report failed: write stdout: %v\n", err)
			os.Exit(2)
		}
		return
	}
	if err := os.MkdirAll(filepath.Dir(*outputPath), 0755); err != nil {
		fmt.Fprintf(os.Stderr, "nudge report failed: create output directory: %v\n", err)
		os.Exit(2)
	}
	if err := os.WriteFile(*outputPath, payload, 0644); err != nil {
		fmt.Fprintf(os.Stderr, "nudge report failed: write report: %v\n", err)
		os.Exit(2)
	}
	fmt.Printf("nudge report written; report=%s\n", *outputPath)
}

func buildReport(conn *sql.DB, dbPath string, now time.Time, horizon time.Duration) (report, error) {
	rep := report{
		GeneratedAt:   now.Format(time.RFC3339),
		DatabasePath:  dbPath,
		CountByStatus: map[string]int{},
		Upcoming:      []upcomingTask{},
		Overdue:       []upcomingTask{},
	}

	rows, err := conn.Query(`SELECT status, COUNT(*) FROM nudge_tasks GROUP BY status`)
	if err != nil {
		return report{}, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return report{}, err
		}
		rep.CountByStatus[status] = count
		if nudge.Status(status).Active() {
			rep.ActiveTotal += count
		}
	}
	if err := rows.Err(); err != nil {
		return report{}, err
	}

	taskRows, err := conn.Query(
		`SELECT id, user_id, status, level, attempts, due_at FROM nudge_tasks
		 WHERE status IN (?, ?, ?) ORDER BY due_at ASC`,
		nudge.StatusPendingLevel1, nudge.StatusPendingLevel2, nudge.StatusPendingFollowUp,
	)
	if err != nil {
		return report{}, fmt.Errorf("list pending tasks: %w", err)
	}
	defer taskRows.Close()

	cutoff := now.Add(horizon)
	for taskRows.Next() {
		var item upcomingTask
		if err := taskRows.Scan(&item.ID, &item.UserID, &item.Status, &item.Level, &item.Attempts, &item.DueAt); err != nil {
			return report{}, err
		}
		dueAt, err := time.Parse(time.RFC3339, item.DueAt)
		if err != nil {
			// Unparseable instants surface in the overdue list so the
			// operator sees them before the poller retires them.
			rep.Overdue = append(rep.Overdue, item)
			continue
		}
		switch {
		case dueAt.Before(now):
			rep.Overdue = append(rep.Overdue, item)
		case dueAt.Before(cutoff):
			rep.Upcoming = append(rep.Upcoming, item)
		}
	}
	return rep, taskRows.Err()
}
