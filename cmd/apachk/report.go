package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	apachk "github.com/mattkeenan/apachk/pkg"
)

var (
	okColor    = color.New(color.FgGreen, color.Bold)
	warnColor  = color.New(color.FgYellow)
	errorColor = color.New(color.FgRed, color.Bold)
	lbaColor   = color.New(color.FgCyan)
)

// reporter prints command results in the configured format
type reporter struct {
	w     io.Writer
	json  bool
	quiet bool
}

func newReporter(w io.Writer, format string, quiet bool) *reporter {
	return &reporter{w: w, json: strings.EqualFold(format, "json"), quiet: quiet}
}

// repairReport is the JSON form of a check or repair
type repairReport struct {
	Image       string               `json:"image"`
	Sectors     uint64               `json:"sectors"`
	MaxPartSize uint32               `json:"max_part_size"`
	Status      string               `json:"status"`
	Snapshot    string               `json:"snapshot,omitempty"`
	Result      *apachk.RepairResult `json:"result"`
}

func (r *reporter) writeJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		apachk.Warn("failed to marshal JSON: %v", err)
		return
	}
	fmt.Fprintf(r.w, "%s\n", data)
}

func lbaList(lbas []uint32) string {
	parts := make([]string, len(lbas))
	for i, lba := range lbas {
		parts[i] = lbaColor.Sprintf("0x%08x", lba)
	}
	return strings.Join(parts, " ")
}

func (r *reporter) result(image string, info apachk.DeviceInfo, snapshot string, result *apachk.RepairResult) {
	if result == nil {
		return
	}
	if r.json {
		r.writeJSON(repairReport{
			Image:       image,
			Sectors:     info.Sectors,
			MaxPartSize: info.MaxPartSize,
			Status:      info.Status.String(),
			Snapshot:    snapshot,
			Result:      result,
		})
		return
	}
	if r.quiet {
		return
	}

	fmt.Fprintf(r.w, "%s: %s, max partition %s\n", image,
		humanize.IBytes(info.Sectors*apachk.SectorSize), apachk.SectorsToBytes(info.MaxPartSize))
	if snapshot != "" {
		fmt.Fprintf(r.w, "Snapshot saved to %s\n", snapshot)
	}

	verb := ""
	if result.DryRun {
		verb = "would "
	}
	for i, step := range result.Steps {
		fmt.Fprintf(r.w, "  attempt %d: %s fault %s, %s%s\n", i+1, step.Class, step.State, verb, step.Action)
	}
	if len(result.Recovered) > 0 {
		fmt.Fprintf(r.w, "  %srecover sub-partitions: %s\n", verb, lbaList(result.Recovered))
	}
	for _, ext := range result.Carved {
		fmt.Fprintf(r.w, "  %scarve empty partition %s (%s)\n", verb, lbaColor.Sprint(ext), apachk.SectorsToBytes(ext.Length))
	}
	if len(result.Unlinked) > 0 {
		fmt.Fprintf(r.w, "  %sdiscard from: %s\n", verb, lbaList(result.Unlinked))
	}
	if result.Pruned > 0 {
		fmt.Fprintf(r.w, "  %sprune %d free partitions\n", verb, result.Pruned)
	}
	for _, tr := range result.CrossCheck.Truncated {
		fmt.Fprintf(r.w, "  %struncate subs of %s from %d to %d\n", verb, lbaColor.Sprintf("0x%08x", tr.Main), tr.From, tr.To)
	}
	if len(result.CrossCheck.Deleted) > 0 {
		fmt.Fprintf(r.w, "  %sdelete orphaned subs: %s\n", verb, lbaList(result.CrossCheck.Deleted))
	}
	if len(result.CrossCheck.Renumbered) > 0 {
		fmt.Fprintf(r.w, "  %srenumber subs: %s\n", verb, lbaList(result.CrossCheck.Renumbered))
	}

	switch {
	case result.Exhausted:
		fmt.Fprintf(r.w, "%s after %d attempts\n", errorColor.Sprint("GAVE UP"), result.Attempts)
	case result.Clean():
		fmt.Fprintf(r.w, "%s\n", okColor.Sprint("Chain is valid"))
	case result.DryRun:
		fmt.Fprintf(r.w, "%s, run 'repair' to fix\n", warnColor.Sprint("Chain needs repair"))
	default:
		fmt.Fprintf(r.w, "%s\n", warnColor.Sprint("Chain repaired"))
	}
}

func (r *reporter) snapshots(image string, infos []*apachk.SnapshotInfo) {
	if r.json {
		if infos == nil {
			infos = []*apachk.SnapshotInfo{}
		}
		r.writeJSON(infos)
		return
	}
	if r.quiet {
		return
	}
	if len(infos) == 0 {
		fmt.Fprintf(r.w, "No snapshots found for %s\n", image)
		return
	}

	fmt.Fprintf(r.w, "Snapshots of %s (%d):\n\n", image, len(infos))
	fmt.Fprintf(r.w, "%-20s %-8s %-s\n", "Created", "Extents", "Path")
	fmt.Fprintf(r.w, "%-20s %-8s %-s\n", strings.Repeat("-", 20), strings.Repeat("-", 8), strings.Repeat("-", 30))
	for i, info := range infos {
		marker := " "
		if i == 0 {
			marker = "*"
		}
		fmt.Fprintf(r.w, "%s%-19s %-8d %s\n", marker, info.Created.Local().Format("2006-01-02 15:04:05"), len(info.Extents), info.Path)
	}
	fmt.Fprintf(r.w, "\n* = restored by default (most recent)\n")
}

func (r *reporter) restored(image string, info *apachk.SnapshotInfo, dryRun bool) {
	if r.json {
		r.writeJSON(struct {
			Image    string               `json:"image"`
			DryRun   bool                 `json:"dry_run,omitempty"`
			Snapshot *apachk.SnapshotInfo `json:"snapshot"`
		}{image, dryRun, info})
		return
	}
	if r.quiet {
		return
	}
	verb := "Restored"
	if dryRun {
		verb = "Would restore"
	}
	fmt.Fprintf(r.w, "%s %d extents to %s from %s (taken %s)\n", verb, len(info.Extents), image, info.Path,
		humanize.Time(info.Created))
}
