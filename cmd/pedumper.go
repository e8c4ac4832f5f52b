// Copyright 2021 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"

	corepe "github.com/pelib/corepe"
	"github.com/spf13/cobra"
)

func prettyPrint(buff []byte) string {
	var prettyJSON bytes.Buffer
	if err := json.Indent(&prettyJSON, buff, "", "\t"); err != nil {
		log.Println("JSON parse error: ", err)
		return string(buff)
	}
	return prettyJSON.String()
}

func isDirectory(path string) bool {
	fileInfo, err := os.Stat(path)
	if err != nil {
		return false
	}
	return fileInfo.IsDir()
}

func parsePE(filename string, cmd *cobra.Command) {
	log.Printf("Processing filename %s", filename)

	pe, err := corepe.New(filename, corepe.DefaultOptions())
	if err != nil {
		log.Printf("Error while opening file: %s, reason: %s", filename, err)
		return
	}
	defer pe.Close()

	if err := pe.Parse(); err != nil {
		log.Printf("Error while parsing file: %s, reason: %s", filename, err)
		return
	}

	if want, _ := cmd.Flags().GetBool("dosheader"); want {
		b, _ := json.Marshal(pe.DOSHeader)
		fmt.Println(prettyPrint(b))
	}

	if want, _ := cmd.Flags().GetBool("ntheader"); want {
		b, _ := json.Marshal(pe.NtHeader)
		fmt.Println(prettyPrint(b))
	}

	if want, _ := cmd.Flags().GetBool("sections"); want {
		b, _ := json.Marshal(pe.Sections)
		fmt.Println(prettyPrint(b))
	}

	if want, _ := cmd.Flags().GetBool("imports"); want {
		b, _ := json.Marshal(pe.Imports)
		fmt.Println(prettyPrint(b))
	}

	if want, _ := cmd.Flags().GetBool("tls"); want {
		b, _ := json.Marshal(pe.TLS)
		fmt.Println(prettyPrint(b))
	}

	if want, _ := cmd.Flags().GetBool("loadconfig"); want {
		b, _ := json.Marshal(pe.LoadConfig)
		fmt.Println(prettyPrint(b))
	}

	if want, _ := cmd.Flags().GetBool("relocations"); want {
		b, _ := json.Marshal(pe.Relocations)
		fmt.Println(prettyPrint(b))
	}

	if want, _ := cmd.Flags().GetBool("all"); want {
		dosHeader, _ := json.Marshal(pe.DOSHeader)
		ntHeader, _ := json.Marshal(pe.NtHeader)
		sectionsHeaders, _ := json.Marshal(pe.Sections)
		imports, _ := json.Marshal(pe.Imports)
		tls, _ := json.Marshal(pe.TLS)
		loadConfig, _ := json.Marshal(pe.LoadConfig)
		relocations, _ := json.Marshal(pe.Relocations)
		fmt.Println(prettyPrint(dosHeader))
		fmt.Println(prettyPrint(ntHeader))
		fmt.Println(prettyPrint(sectionsHeaders))
		fmt.Println(prettyPrint(imports))
		fmt.Println(prettyPrint(tls))
		fmt.Println(prettyPrint(loadConfig))
		fmt.Println(prettyPrint(relocations))
	}
}

func dump(cmd *cobra.Command, args []string) {
	filePath := args[0]

	if !isDirectory(filePath) {
		parsePE(filePath, cmd)
		return
	}

	var fileList []string
	filepath.Walk(filePath, func(path string, f os.FileInfo, err error) error {
		if err == nil && !isDirectory(path) {
			fileList = append(fileList, path)
		}
		return nil
	})

	for _, file := range fileList {
		parsePE(file, cmd)
	}
}

func rebase(cmd *cobra.Command, args []string) {
	filename := args[0]
	newBaseStr := args[1]

	newBase, err := strconv.ParseUint(newBaseStr, 0, 64)
	if err != nil {
		log.Fatalf("invalid new base %q: %s", newBaseStr, err)
	}

	pe, err := corepe.New(filename, corepe.DefaultOptions())
	if err != nil {
		log.Fatalf("error while opening file: %s", err)
	}
	defer pe.Close()

	if err := pe.Parse(); err != nil {
		log.Fatalf("error while parsing file: %s", err)
	}

	if err := pe.Rebase(newBase); err != nil {
		log.Fatalf("error while rebasing: %s", err)
	}

	out, _ := cmd.Flags().GetString("out")
	if out == "" {
		out = filename + ".rebased"
	}

	if err := pe.WriteFile(out); err != nil {
		log.Fatalf("error while writing rebased file: %s", err)
	}

	log.Printf("wrote rebased image to %s", out)
}

func main() {

	var rootCmd = &cobra.Command{
		Use:   "pedumper",
		Short: "A Portable Executable file parser and rewriter",
		Long:  "Reads, mutates, and rewrites PE32/PE32+ images",
		Run: func(cmd *cobra.Command, args []string) {
		},
	}

	var versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version number",
		Long:  "Print version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Print("You are using version 0.0.1")
		},
	}

	var dumpCmd = &cobra.Command{
		Use:   "dump",
		Short: "Dumps the file",
		Long:  "Dumps interesting structures of the Portable Executable file",
		Args:  cobra.MinimumNArgs(1),
		Run:   dump,
	}

	var rebaseCmd = &cobra.Command{
		Use:   "rebase",
		Short: "Rebases an image to a new preferred load address",
		Long:  "Patches every recorded relocation for a new ImageBase and writes the result out; the ImageBase field of the written header keeps its old value",
		Args:  cobra.ExactArgs(2),
		Run:   rebase,
	}

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(dumpCmd)
	rootCmd.AddCommand(rebaseCmd)

	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose output")
	dumpCmd.Flags().Bool("dosheader", false, "Dump DOS header")
	dumpCmd.Flags().Bool("ntheader", false, "Dump NT header")
	dumpCmd.Flags().Bool("sections", false, "Dump section headers")
	dumpCmd.Flags().Bool("imports", false, "Dump import directory")
	dumpCmd.Flags().Bool("tls", false, "Dump TLS directory")
	dumpCmd.Flags().Bool("loadconfig", false, "Dump load configuration directory")
	dumpCmd.Flags().Bool("relocations", false, "Dump base relocation table")
	dumpCmd.Flags().Bool("all", false, "Dump everything this library models")
	rebaseCmd.Flags().String("out", "", "output path (default: <input>.rebased)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
