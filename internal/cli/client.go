package cli

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/kilupskalvis/imgsrv/internal/remote"
	"github.com/spf13/cobra"
)

var (
	clientServer string
	getSize      string
	getOutput    string
)

var uploadCmd = &cobra.Command{
	Use:   "upload <project> <file>",
	Short: "Upload an image to a project",
	Long: `Upload an image file to a project on a running server.

The first image of a project becomes its primary image.

Examples:
  imgsrv upload p1 photo.png
  imgsrv upload p1 scan.tiff --server http://images.internal:8080`,
	Args: cobra.ExactArgs(2),
	Run:  runUpload,
}

var listCmd = &cobra.Command{
	Use:   "list <project>",
	Short: "List a project's images",
	Args:  cobra.ExactArgs(1),
	Run:   runList,
}

var getCmd = &cobra.Command{
	Use:   "get <project> <image>",
	Short: "Download a rendition of an image",
	Long: `Download one rendition of an image.

Examples:
  imgsrv get p1 3f2a... --size thumb -o thumb.jpg
  imgsrv get p1 3f2a... > original.jpg`,
	Args: cobra.ExactArgs(2),
	Run:  runGet,
}

var coverCmd = &cobra.Command{
	Use:   "cover <project>",
	Short: "Download a project's cover thumbnail",
	Args:  cobra.ExactArgs(1),
	Run:   runCover,
}

var deleteCmd = &cobra.Command{
	Use:   "delete <project> <image>",
	Short: "Delete an image and its renditions",
	Long: `Delete an image. When the deleted image was primary, the earliest
remaining upload becomes the new primary.`,
	Args: cobra.ExactArgs(2),
	Run:  runDelete,
}

var primaryCmd = &cobra.Command{
	Use:   "primary <project> <image>",
	Short: "Make an image the project's cover",
	Args:  cobra.ExactArgs(2),
	Run:   runPrimary,
}

func init() {
	for _, cmd := range []*cobra.Command{uploadCmd, listCmd, getCmd, coverCmd, deleteCmd, primaryCmd} {
		cmd.Flags().StringVar(&clientServer, "server",
			envOrDefault("IMGSRV_SERVER", "http://127.0.0.1:8080"),
			"Server base URL (env: IMGSRV_SERVER)")
		rootCmd.AddCommand(cmd)
	}
	getCmd.Flags().StringVar(&getSize, "size", "original", "Rendition to download (original|medium|thumb|game)")
	for _, cmd := range []*cobra.Command{getCmd, coverCmd} {
		cmd.Flags().StringVarP(&getOutput, "output", "o", "", "Write to file instead of stdout")
	}
}

// newClient returns a retrying client for the configured server.
func newClient() remote.Client {
	return remote.NewRetryClient(remote.NewHTTPClient(clientServer), nil)
}

func runUpload(_ *cobra.Command, args []string) {
	projectID, path := args[0], args[1]

	f, err := os.Open(path)
	if err != nil {
		exitError("%v", err)
	}
	defer f.Close()

	contentType, err := detectContentType(f, path)
	if err != nil {
		exitError("%v", err)
	}

	res, err := newClient().Upload(context.Background(), projectID, contentType, f)
	if err != nil {
		exitError("upload failed: %v", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("Uploaded %s", res.ImageID)
	if res.IsPrimary {
		color.New(color.FgCyan).Print(" (primary)")
	}
	fmt.Printf(" to %s\n", res.ProjectID)
}

// detectContentType uses the file extension, falling back to sniffing the
// first bytes. The file is rewound afterwards.
func detectContentType(f *os.File, path string) (string, error) {
	if ct := mime.TypeByExtension(filepath.Ext(path)); ct != "" {
		return ct, nil
	}
	head := make([]byte, 512)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	return http.DetectContentType(head[:n]), nil
}

func runList(_ *cobra.Command, args []string) {
	images, err := newClient().List(context.Background(), args[0])
	if err != nil {
		exitError("list failed: %v", err)
	}
	if len(images) == 0 {
		fmt.Println("No images")
		return
	}

	yellow := color.New(color.FgYellow)
	for _, img := range images {
		yellow.Printf("%s ", img.ImageID)
		if img.IsPrimary {
			color.New(color.FgCyan).Print("(primary) ")
		}
		fmt.Println(img.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	}
}

func runGet(_ *cobra.Command, args []string) {
	body, err := newClient().Rendition(context.Background(), args[0], args[1], getSize)
	if err != nil {
		exitError("get failed: %v", err)
	}
	defer body.Close()
	writeOutput(body)
}

func runCover(_ *cobra.Command, args []string) {
	body, imageID, err := newClient().Cover(context.Background(), args[0])
	if err != nil {
		exitError("cover failed: %v", err)
	}
	defer body.Close()
	writeOutput(body)
	if getOutput != "" {
		fmt.Printf("Saved cover of %s (image %s)\n", args[0], shortID(imageID))
	}
}

// writeOutput copies r to --output, or stdout when unset.
func writeOutput(r io.Reader) {
	var w io.Writer = os.Stdout
	if getOutput != "" {
		f, err := os.Create(getOutput)
		if err != nil {
			exitError("%v", err)
		}
		defer f.Close()
		w = f
	}
	if _, err := io.Copy(w, r); err != nil {
		exitError("write output: %v", err)
	}
}

func runDelete(_ *cobra.Command, args []string) {
	res, err := newClient().Delete(context.Background(), args[0], args[1])
	if err != nil {
		exitError("delete failed: %v", err)
	}

	fmt.Printf("Deleted %s from %s\n", shortID(res.DeletedImageID), res.ProjectID)
	if res.NewPrimary != nil {
		fmt.Printf("Primary is now %s\n", *res.NewPrimary)
	} else {
		fmt.Println("Project has no images left")
	}
}

func runPrimary(_ *cobra.Command, args []string) {
	res, err := newClient().SetPrimary(context.Background(), args[0], args[1])
	if err != nil {
		exitError("set primary failed: %v", err)
	}
	color.New(color.FgGreen).Printf("Primary of %s is now %s\n", res.ProjectID, res.PrimaryImageID)
}

// envOrDefault returns the value of the environment variable key, or defaultVal if unset.
func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
