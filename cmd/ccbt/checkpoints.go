package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"ccbt/pkg/checkpoint"
)

var (
	cleanDays      int
	cleanDryRun    bool
	exportFormat   string
	exportOutput   string
	backupCompress bool
	backupEncrypt  bool
	restoreHash    string
	migrateFrom    string
	migrateTo      string
)

// checkpointsCmd groups the checkpoint maintenance commands
var checkpointsCmd = &cobra.Command{
	Use:     "checkpoints",
	Aliases: []string{"cp"},
	Short:   "Inspect and maintain torrent checkpoints",
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List checkpoint files, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := loadEnvironment()
		if err != nil {
			return err
		}
		infos, err := env.manager.List()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(infos) == 0 {
			fmt.Fprintln(out, "No checkpoints found in", env.manager.Dir())
			return nil
		}
		printInfos(out, infos)
		return nil
	},
}

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Delete checkpoints older than --days",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := loadEnvironment()
		if err != nil {
			return err
		}
		days := cleanDays
		if !cmd.Flags().Changed("days") {
			days = env.cfg.Checkpoint.MaxAgeDays
		}
		out := cmd.OutOrStdout()

		if cleanDryRun {
			expired, err := env.manager.Expired(days)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Would delete %d checkpoint file(s) older than %d days\n", len(expired), days)
			if len(expired) > 0 {
				printInfos(out, expired)
			}
			return nil
		}

		removed, err := env.manager.Cleanup(days)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Deleted %d checkpoint file(s) older than %d days\n", removed, days)
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <info_hash>",
	Short: "Delete every representation of a checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := checkpoint.ParseInfoHash(args[0])
		if err != nil {
			return err
		}
		env, err := loadEnvironment()
		if err != nil {
			return err
		}
		removed, err := env.manager.Delete(hash)
		if err != nil {
			return err
		}
		if !removed {
			fmt.Fprintln(cmd.OutOrStdout(), "No checkpoint for", hash)
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Deleted checkpoint", hash)
		return nil
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify <info_hash>",
	Short: "Check that a checkpoint exists and is consistent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := checkpoint.ParseInfoHash(args[0])
		if err != nil {
			return err
		}
		env, err := loadEnvironment()
		if err != nil {
			return err
		}
		ok, err := env.manager.Verify(hash)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("checkpoint %s is missing or invalid", hash)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Checkpoint", hash, "is valid")
		return nil
	},
}

var exportCmd = &cobra.Command{
	Use:   "export <info_hash>",
	Short: "Write a checkpoint in the given format to a file or stdout",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := checkpoint.ParseInfoHash(args[0])
		if err != nil {
			return err
		}
		format, err := checkpoint.ParseFormat(exportFormat)
		if err != nil {
			return err
		}
		env, err := loadEnvironment()
		if err != nil {
			return err
		}
		data, err := env.manager.Export(hash, format)
		if err != nil {
			return err
		}
		if exportOutput == "" || exportOutput == "-" {
			_, err = cmd.OutOrStdout().Write(data)
			return err
		}
		if err := os.WriteFile(exportOutput, data, 0644); err != nil {
			return fmt.Errorf("failed to write export: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Exported %s (%s) to %s\n", hash, humanize.Bytes(uint64(len(data))), exportOutput)
		return nil
	},
}

var backupCmd = &cobra.Command{
	Use:   "backup <info_hash> <destination>",
	Short: "Write a portable backup of a checkpoint",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := checkpoint.ParseInfoHash(args[0])
		if err != nil {
			return err
		}
		env, err := loadEnvironment()
		if err != nil {
			return err
		}
		svc := checkpoint.NewBackupService(env.manager, env.log)
		path, err := svc.Backup(hash, args[1], backupCompress, backupEncrypt)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Backup written to", path)
		if backupEncrypt {
			fmt.Fprintln(cmd.OutOrStdout(), "Key written to", path+checkpoint.KeySuffix, "(keep it with the backup)")
		}
		return nil
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore <backup_file>",
	Short: "Restore a checkpoint from a backup",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var expected *checkpoint.InfoHash
		if restoreHash != "" {
			hash, err := checkpoint.ParseInfoHash(restoreHash)
			if err != nil {
				return err
			}
			expected = &hash
		}
		env, err := loadEnvironment()
		if err != nil {
			return err
		}
		cp, err := checkpoint.NewBackupService(env.manager, env.log).Restore(args[0], expected)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Restored %s (%s, %d/%d pieces verified)\n",
			cp.InfoHash, cp.TorrentName, len(cp.VerifiedPieces), cp.TotalPieces)
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate <info_hash>",
	Short: "Convert a checkpoint between json and binary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := checkpoint.ParseInfoHash(args[0])
		if err != nil {
			return err
		}
		from, err := checkpoint.ParseFormat(migrateFrom)
		if err != nil {
			return err
		}
		to, err := checkpoint.ParseFormat(migrateTo)
		if err != nil {
			return err
		}
		env, err := loadEnvironment()
		if err != nil {
			return err
		}
		path, err := env.manager.Convert(hash, from, to)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Converted %s from %s to %s: %s\n", hash, from, to, path)
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarise the checkpoint directory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := loadEnvironment()
		if err != nil {
			return err
		}
		stats, err := env.manager.Stats()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Directory:   %s\n", env.manager.Dir())
		fmt.Fprintf(out, "Files:       %d\n", stats.TotalFiles)
		fmt.Fprintf(out, "Total size:  %s\n", humanize.Bytes(uint64(stats.TotalSize)))

		formats := make([]string, 0, len(stats.FormatCounts))
		for f := range stats.FormatCounts {
			formats = append(formats, string(f))
		}
		sort.Strings(formats)
		for _, f := range formats {
			fmt.Fprintf(out, "  %-10s %d\n", f+":", stats.FormatCounts[checkpoint.Format(f)])
		}
		if stats.TotalFiles > 0 {
			fmt.Fprintf(out, "Oldest:      %s\n", humanize.Time(stats.Oldest))
			fmt.Fprintf(out, "Newest:      %s\n", humanize.Time(stats.Newest))
		}
		return nil
	},
}

func printInfos(out io.Writer, infos []checkpoint.CheckpointFileInfo) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "INFO HASH\tFORMAT\tSIZE\tUPDATED")
	for _, info := range infos {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", info.InfoHash, info.Format, humanize.Bytes(uint64(info.Size)), humanize.Time(info.UpdatedAt))
	}
	w.Flush()
}

func init() {
	rootCmd.AddCommand(checkpointsCmd)
	checkpointsCmd.AddCommand(listCmd, cleanCmd, deleteCmd, verifyCmd, exportCmd, backupCmd, restoreCmd, migrateCmd, statsCmd)

	cleanCmd.Flags().IntVar(&cleanDays, "days", 30, "delete checkpoints older than this many days (default from config)")
	cleanCmd.Flags().BoolVar(&cleanDryRun, "dry-run", false, "only show what would be deleted")

	exportCmd.Flags().StringVarP(&exportFormat, "format", "f", "json", "export format (json, binary)")
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "output file (default stdout)")

	backupCmd.Flags().BoolVar(&backupCompress, "compress", true, "gzip the backup")
	backupCmd.Flags().BoolVar(&backupEncrypt, "encrypt", false, "encrypt the backup with a fresh key written next to it")

	restoreCmd.Flags().StringVar(&restoreHash, "info-hash", "", "fail unless the backup holds this info hash")

	migrateCmd.Flags().StringVar(&migrateFrom, "from", "json", "source format (json, binary)")
	migrateCmd.Flags().StringVar(&migrateTo, "to", "binary", "target format (json, binary)")
}
