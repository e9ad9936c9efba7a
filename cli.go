package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"cipherroom/server/internal/store"
)

// RunCLI handles subcommand execution. Returns true if a subcommand was handled.
func RunCLI(args []string, dbPath string) bool {
	if len(args) == 0 {
		return false
	}

	switch args[0] {
	case "version":
		fmt.Printf("cipherroom server %s\n", Version)
		return true
	case "status":
		return cliStatus(dbPath)
	case "rooms":
		return cliRooms(dbPath)
	case "bans":
		return cliBans(args[1:], dbPath)
	case "invites":
		return cliInvites(args[1:], dbPath)
	case "settings":
		return cliSettings(args[1:], dbPath)
	case "backup":
		return cliBackup(args[1:], dbPath)
	default:
		return false
	}
}

func openStore(dbPath string) *store.Store {
	st, err := store.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	return st
}

func cliStatus(dbPath string) bool {
	st := openStore(dbPath)
	defer st.Close()

	ids, err := st.ListRoomIDs()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Database: %s\n", dbPath)
	fmt.Printf("Active rooms: %d\n", len(ids))
	fmt.Printf("Version: %s\n", Version)
	return true
}

func cliRooms(dbPath string) bool {
	st := openStore(dbPath)
	defer st.Close()

	ids, err := st.ListRoomIDs()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if len(ids) == 0 {
		fmt.Println("No active rooms.")
		return true
	}
	for _, id := range ids {
		cfg, ok, err := st.LoadRoomConfig(id)
		if err != nil || !ok {
			fmt.Printf("  %s\n", id)
			continue
		}
		fmt.Printf("  %s  type=%s  messages=%d  creator=%s\n", id, cfg.Type, cfg.MessageCount, cfg.CreatorID)
	}
	return true
}

func cliBans(args []string, dbPath string) bool {
	if len(args) == 0 {
		fmt.Fprintf(os.Stderr, "Usage: server bans <room-id>\n")
		os.Exit(1)
	}
	st := openStore(dbPath)
	defer st.Close()

	bans, err := st.LoadBans(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if len(bans) == 0 {
		fmt.Println("No bans.")
		return true
	}
	for _, b := range bans {
		when := time.UnixMilli(b.BannedAt).Format(time.RFC3339)
		fmt.Printf("  [%s] %s  by=%s  at=%s  reason=%q\n", b.Kind, b.Value, b.BannedBy, when, b.Reason)
	}
	return true
}

func cliInvites(args []string, dbPath string) bool {
	if len(args) == 0 {
		fmt.Fprintf(os.Stderr, "Usage: server invites <room-id>\n")
		os.Exit(1)
	}
	st := openStore(dbPath)
	defer st.Close()

	invites, err := st.LoadInvites(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if len(invites) == 0 {
		fmt.Println("No invite links.")
		return true
	}
	for code, inv := range invites {
		expiry := "never"
		if inv.ExpiresAt > 0 {
			expiry = time.UnixMilli(inv.ExpiresAt).Format(time.RFC3339)
		}
		usage := fmt.Sprintf("%d", inv.UsageCount)
		if inv.MaxUsage > 0 {
			usage = fmt.Sprintf("%d/%d", inv.UsageCount, inv.MaxUsage)
		}
		fmt.Printf("  %s  role=%s  used=%s  expires=%s\n", code, inv.Role, usage, expiry)
	}
	return true
}

func cliSettings(args []string, dbPath string) bool {
	st := openStore(dbPath)
	defer st.Close()

	if len(args) == 0 || args[0] == "list" {
		settings, err := st.GetAllSettings()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		out, _ := json.MarshalIndent(settings, "", "  ")
		fmt.Println(string(out))
		return true
	}

	if args[0] == "set" && len(args) > 2 {
		key, value := args[1], args[2]
		if err := st.SetSetting(key, value); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Set %s = %s\n", key, value)
		return true
	}

	fmt.Fprintf(os.Stderr, "Usage: server settings [list|set <key> <value>]\n")
	os.Exit(1)
	return true
}

func cliBackup(args []string, dbPath string) bool {
	st := openStore(dbPath)
	defer st.Close()

	outPath := "cipherroom-backup.db"
	if len(args) > 0 {
		outPath = args[0]
	}

	if err := st.Backup(outPath); err != nil {
		fmt.Fprintf(os.Stderr, "backup failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Database backed up to %s\n", outPath)
	return true
}
