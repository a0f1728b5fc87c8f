// quillctl is a command line client for the import API. It uploads
// directories of Markdown files, polls job progress, and cancels jobs.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	serverURL   string
	apiKey      string
	authorID    string
	category    string
	tags        []string
	autoPublish bool
	overwrite   bool
	importMode  string
	noSkip      bool
	wait        bool
)

var rootCmd = &cobra.Command{
	Use:   "quillctl",
	Short: "Client for the Markdown import API",
}

var importCmd = &cobra.Command{
	Use:   "import <dir-or-file>...",
	Short: "Upload Markdown files and start an import job",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if authorID == "" {
			return fmt.Errorf("--author is required")
		}

		paths, err := collectMarkdownFiles(args)
		if err != nil {
			return err
		}
		if len(paths) == 0 {
			return fmt.Errorf("no .md or .markdown files found")
		}

		receipt, err := startImport(paths)
		if err != nil {
			return err
		}
		fmt.Printf("job %s accepted: %d files\n", receipt.JobID, receipt.TotalFiles)

		if !wait {
			fmt.Printf("poll with: quillctl status %s\n", receipt.JobID)
			return nil
		}
		return pollUntilDone(receipt.JobID)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show the current state of an import job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var job jobView
		if err := getJSON("/api/import/"+args[0], &job); err != nil {
			return err
		}
		printJob(job)
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a running import job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := http.NewRequest(http.MethodPost, serverURL+"/api/import/"+args[0]+"/cancel", nil)
		if err != nil {
			return err
		}
		body, err := doRequest(req)
		if err != nil {
			return err
		}
		fmt.Println(strings.TrimSpace(string(body)))
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats <job-id>",
	Short: "Show summary statistics for an import job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var stats struct {
			TotalFiles              int   `json:"totalFiles"`
			ProcessedFiles          int   `json:"processedFiles"`
			SuccessRate             int   `json:"successRate"`
			AverageProcessingTimeMs int64 `json:"averageProcessingTimeMs"`
		}
		if err := getJSON("/api/import/"+args[0]+"/stats", &stats); err != nil {
			return err
		}
		fmt.Printf("files: %d/%d  success rate: %d%%  avg per file: %dms\n",
			stats.ProcessedFiles, stats.TotalFiles, stats.SuccessRate, stats.AverageProcessingTimeMs)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Import API base URL")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "API key (or QUILLMARK_API_KEY)")

	importCmd.Flags().StringVar(&authorID, "author", "", "Author ID to attribute imported content to")
	importCmd.Flags().StringVar(&category, "category", "", "Default category for files without one")
	importCmd.Flags().StringSliceVar(&tags, "tags", nil, "Default tags appended to every file")
	importCmd.Flags().BoolVar(&autoPublish, "auto-publish", false, "Publish all imported content immediately")
	importCmd.Flags().BoolVar(&overwrite, "overwrite", false, "Overwrite existing content on slug/title match")
	importCmd.Flags().StringVar(&importMode, "mode", "", "Import mode: strict or loose")
	importCmd.Flags().BoolVar(&noSkip, "no-skip-invalid", false, "Set skipInvalidFiles=false")
	importCmd.Flags().BoolVar(&wait, "wait", false, "Block and poll until the job finishes")

	rootCmd.AddCommand(importCmd, statusCmd, cancelCmd, statsCmd)
}

func main() {
	_ = godotenv.Load()
	if apiKey == "" {
		apiKey = os.Getenv("QUILLMARK_API_KEY")
	}
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// collectMarkdownFiles expands files and directories into a list of
// Markdown file paths. Directories are walked recursively.
func collectMarkdownFiles(args []string) ([]string, error) {
	var paths []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			paths = append(paths, arg)
			continue
		}

		err = filepath.WalkDir(arg, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			switch strings.ToLower(filepath.Ext(path)) {
			case ".md", ".markdown":
				paths = append(paths, path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return paths, nil
}

type receiptView struct {
	JobID      string `json:"jobId"`
	Status     string `json:"status"`
	TotalFiles int    `json:"totalFiles"`
	Message    string `json:"message"`
}

type jobView struct {
	ID              string `json:"id"`
	Status          string `json:"status"`
	TotalFiles      int    `json:"totalFiles"`
	ProcessedFiles  int    `json:"processedFiles"`
	SuccessCount    int    `json:"successCount"`
	FailureCount    int    `json:"failureCount"`
	SkippedCount    int    `json:"skippedCount"`
	CurrentFile     string `json:"currentFile"`
	ProgressPercent int    `json:"progressPercent"`
	Error           string `json:"error"`
	Results         []struct {
		FilePath string `json:"filePath"`
		Success  bool   `json:"success"`
		Skipped  bool   `json:"skipped"`
		Title    string `json:"title"`
		Error    string `json:"error"`
	} `json:"results"`
}

// startImport builds the multipart request and posts it.
func startImport(paths []string) (*receiptView, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fields := map[string]string{
		"authorId":          authorID,
		"defaultCategory":   category,
		"defaultTags":       strings.Join(tags, ","),
		"importMode":        importMode,
		"autoPublish":       fmt.Sprintf("%t", autoPublish),
		"overwriteExisting": fmt.Sprintf("%t", overwrite),
		"skipInvalidFiles":  fmt.Sprintf("%t", !noSkip),
	}
	for name, value := range fields {
		if value == "" {
			continue
		}
		if err := mw.WriteField(name, value); err != nil {
			return nil, err
		}
	}

	for _, path := range paths {
		part, err := mw.CreateFormFile("files", filepath.Base(path))
		if err != nil {
			return nil, err
		}
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		_, err = io.Copy(part, f)
		f.Close()
		if err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPost, serverURL+"/api/import", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	body, err := doRequest(req)
	if err != nil {
		return nil, err
	}

	var receipt receiptView
	if err := json.Unmarshal(body, &receipt); err != nil {
		return nil, fmt.Errorf("decode receipt: %w", err)
	}
	return &receipt, nil
}

func pollUntilDone(jobID string) error {
	for {
		time.Sleep(time.Second)

		var job jobView
		if err := getJSON("/api/import/"+jobID, &job); err != nil {
			return err
		}

		fmt.Printf("\r%s %d%% (%d/%d)", job.Status, job.ProgressPercent, job.ProcessedFiles, job.TotalFiles)
		if job.Status == "COMPLETED" || job.Status == "FAILED" {
			fmt.Println()
			printJob(job)
			if job.Status == "FAILED" {
				return fmt.Errorf("import failed: %s", job.Error)
			}
			return nil
		}
	}
}

func printJob(job jobView) {
	fmt.Printf("job %s: %s  %d%% (%d/%d files)\n",
		job.ID, job.Status, job.ProgressPercent, job.ProcessedFiles, job.TotalFiles)
	if job.CurrentFile != "" {
		fmt.Printf("  current: %s\n", job.CurrentFile)
	}
	if job.Error != "" {
		fmt.Printf("  error: %s\n", job.Error)
	}
	fmt.Printf("  success: %d  failed: %d  skipped: %d\n",
		job.SuccessCount, job.FailureCount, job.SkippedCount)
	for _, r := range job.Results {
		switch {
		case r.Success:
			fmt.Printf("  ok    %s (%s)\n", r.FilePath, r.Title)
		case r.Skipped:
			fmt.Printf("  skip  %s: %s\n", r.FilePath, r.Error)
		default:
			fmt.Printf("  fail  %s: %s\n", r.FilePath, r.Error)
		}
	}
}

func getJSON(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, serverURL+path, nil)
	if err != nil {
		return err
	}
	body, err := doRequest(req)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

func doRequest(req *http.Request) ([]byte, error) {
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error   string   `json:"error"`
			Reasons []string `json:"reasons"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			if len(apiErr.Reasons) > 0 {
				return nil, fmt.Errorf("%s: %s", apiErr.Error, strings.Join(apiErr.Reasons, "; "))
			}
			return nil, fmt.Errorf("%s", apiErr.Error)
		}
		return nil, fmt.Errorf("server returned %s", resp.Status)
	}
	return body, nil
}
