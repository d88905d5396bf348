package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"dicochat/server/internal/core"
	"dicochat/server/internal/store"

	"github.com/olekukonko/tablewriter"
)

// RunCLI handles subcommand execution. It reports whether args named a
// subcommand.
func RunCLI(args []string, dbPath string, w io.Writer) (bool, error) {
	if len(args) == 0 {
		return false, nil
	}

	switch args[0] {
	case "version":
		fmt.Fprintf(w, "dicochat server %s\n", Version)
		return true, nil
	case "status":
		return true, cliStatus(dbPath, w)
	case "top":
		return true, cliTop(args[1:], dbPath, w)
	case "backup":
		return true, cliBackup(args[1:], dbPath, w)
	default:
		return false, nil
	}
}

func cliStatus(dbPath string, w io.Writer) error {
	st, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer st.Close()

	ctx := context.Background()
	online, muted := true, true
	total, err := st.CountIdentities(ctx, store.IdentityFilter{})
	if err != nil {
		return err
	}
	onlineN, err := st.CountIdentities(ctx, store.IdentityFilter{Online: &online})
	if err != nil {
		return err
	}
	mutedN, err := st.CountIdentities(ctx, store.IdentityFilter{Muted: &muted})
	if err != nil {
		return err
	}
	messages, err := st.MessageCount(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Database: %s\n", dbPath)
	fmt.Fprintf(w, "Users: %d (%d online, %d muted)\n", total, onlineN, mutedN)
	fmt.Fprintf(w, "Messages: %d\n", messages)
	fmt.Fprintf(w, "Version: %s\n", Version)
	return nil
}

func cliTop(args []string, dbPath string, w io.Writer) error {
	n := core.DefaultTopLimit
	if len(args) > 0 {
		parsed, err := strconv.Atoi(args[0])
		if err != nil || parsed <= 0 {
			return fmt.Errorf("usage: server top [n]")
		}
		n = parsed
	}

	st, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer st.Close()

	top, err := st.TopIdentities(context.Background(), n, store.SortByReputation)
	if err != nil {
		return err
	}
	if len(top) == 0 {
		fmt.Fprintln(w, "No users found.")
		return nil
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Rank", "Nickname", "XP", "Messages", "Muted", "Last Active"})
	table.SetAutoFormatHeaders(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	for i, id := range top {
		lastActive := "-"
		if !id.LastActive.IsZero() {
			lastActive = id.LastActive.Format(time.DateTime)
		}
		table.Append([]string{
			strconv.Itoa(i + 1),
			id.Nickname,
			strconv.FormatInt(id.Reputation, 10),
			strconv.FormatInt(id.MessageCount, 10),
			strconv.FormatBool(id.IsMuted),
			lastActive,
		})
	}
	table.Render()
	return nil
}

func cliBackup(args []string, dbPath string, w io.Writer) error {
	st, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer st.Close()

	outPath := "dicochat-backup.db"
	if len(args) > 0 {
		outPath = args[0]
	}
	if err := st.Backup(outPath); err != nil {
		return fmt.Errorf("backup failed: %w", err)
	}
	fmt.Fprintf(w, "Database backed up to %s\n", outPath)
	return nil
}
