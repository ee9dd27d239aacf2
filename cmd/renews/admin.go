package main

import (
	"fmt"
	"strconv"

	"github.com/forever-august/renews/lib/auth"
	"github.com/forever-august/renews/lib/config"
	"github.com/forever-august/renews/lib/storage"
)

// runAdmin executes one admin subcommand against the configured
// stores and exits.
func runAdmin(conf *config.Config, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: renews admin <subcommand> [args]")
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "add-group", "remove-group":
		st, err := storage.Open(conf.DBPath)
		if err != nil {
			return err
		}
		defer st.Close()
		return runGroupAdmin(st, cmd, rest)
	case "add-user", "remove-user", "add-admin", "remove-admin",
		"add-moderator", "remove-moderator", "set-user-limits":
		au, err := auth.Open(conf.AuthDBPath)
		if err != nil {
			return err
		}
		defer au.Close()
		return runUserAdmin(au, cmd, rest)
	}
	return fmt.Errorf("unknown admin subcommand %q", cmd)
}

func runGroupAdmin(st storage.Storage, cmd string, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("%s needs a group name", cmd)
	}
	name := args[0]
	switch cmd {
	case "add-group":
		moderated := len(args) > 1 && args[1] == "--moderated"
		if err := st.AddGroup(name, moderated); err != nil {
			return err
		}
		fmt.Printf("group %s added\n", name)
	case "remove-group":
		if err := st.RemoveGroup(name); err != nil {
			return err
		}
		fmt.Printf("group %s removed\n", name)
	}
	return nil
}

func runUserAdmin(au auth.Provider, cmd string, args []string) error {
	switch cmd {
	case "add-user":
		if len(args) != 2 {
			return fmt.Errorf("usage: admin add-user name password")
		}
		return au.AddUser(args[0], args[1])
	case "remove-user":
		if len(args) != 1 {
			return fmt.Errorf("usage: admin remove-user name")
		}
		return au.RemoveUser(args[0])
	case "add-admin":
		if len(args) != 1 {
			return fmt.Errorf("usage: admin add-admin name")
		}
		return au.AddAdmin(args[0])
	case "remove-admin":
		if len(args) != 1 {
			return fmt.Errorf("usage: admin remove-admin name")
		}
		return au.RemoveAdmin(args[0])
	case "add-moderator":
		if len(args) != 2 {
			return fmt.Errorf("usage: admin add-moderator name pattern")
		}
		return au.AddModerator(args[0], args[1])
	case "remove-moderator":
		if len(args) != 2 {
			return fmt.Errorf("usage: admin remove-moderator name pattern")
		}
		return au.RemoveModerator(args[0], args[1])
	case "set-user-limits":
		return setUserLimits(au, args)
	}
	return fmt.Errorf("unknown admin subcommand %q", cmd)
}

// set-user-limits name max-connections [upload-bytes] [download-bytes] [window-secs]
func setUserLimits(au auth.Provider, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: admin set-user-limits name max-connections [upload-bytes download-bytes window-secs]")
	}
	vals := make([]int64, 4)
	for i, arg := range args[1:] {
		if i >= len(vals) {
			break
		}
		n, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid number %q", arg)
		}
		vals[i] = n
	}
	return au.SetUserLimits(args[0], auth.UserLimits{
		MaxConnections: int(vals[0]),
		UploadBytes:    vals[1],
		DownloadBytes:  vals[2],
		WindowSecs:     vals[3],
	})
}
