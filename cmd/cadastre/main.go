package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/danielgtaylor/huma/v2/humacli"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/joeblew999/plat-cadastre/internal/logging"
	"github.com/joeblew999/plat-cadastre/internal/parcel"
	"github.com/joeblew999/plat-cadastre/internal/server"
	"github.com/joeblew999/plat-cadastre/internal/service"
	"github.com/joeblew999/plat-cadastre/internal/tiler"
	"github.com/joeblew999/plat-cadastre/internal/tiler/gotiler"
	"github.com/joeblew999/plat-cadastre/internal/tiler/tippecanoe"
)

// Options defines all CLI flags and env vars for the cadastre server.
// Flags: --host, --port, --data-dir, --web-dir, --capabilities-url, ...
// Env vars: SERVICE_HOST, SERVICE_PORT, SERVICE_DATA_DIR, ...
type Options struct {
	Host            string `doc:"Host to bind to" default:"0.0.0.0"`
	Port            int    `doc:"Port to listen on" short:"p" default:"8086"`
	DataDir         string `doc:"Directory for parcel sources, tiles, layers and the database" default:".data"`
	WebDir          string `doc:"Directory of HTML templates overriding the embedded ones"`
	PublicURL       string `doc:"Server root as browsers reach it (default http://host:port)"`
	CapabilitiesURL string `doc:"Tegola capabilities document (default: this server)"`
	ParcelURL       string `doc:"Parcel detail endpoint with an {id} placeholder (default: this server)"`
	FetchTimeout    string `doc:"Timeout for capability, detail and tile requests" default:"10s"`
	LogLevel        string `doc:"Log level: debug, info, warn, error" default:"info"`
	LogFormat       string `doc:"Log format: console or json" default:"console"`
	LogFile         string `doc:"Also write JSON logs to this rotated file"`
}

func newLogger(opts *Options) *zap.Logger {
	log, err := logging.New(logging.Config{
		Level:      opts.LogLevel,
		Format:     opts.LogFormat,
		File:       opts.LogFile,
		MaxSizeMB:  50,
		MaxBackups: 3,
		MaxAgeDays: 14,
		Name:       "cadastre",
	}, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error configuring logging: %v\n", err)
		os.Exit(1)
	}
	return log
}

// parseFetchTimeout reads --fetch-timeout. An empty value means the default.
func parseFetchTimeout(s string) (time.Duration, error) {
	if s == "" {
		return parcel.DefaultFetchTimeout, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid fetch timeout %q: %w", s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("fetch timeout must be positive, got %s", d)
	}
	return d, nil
}

func newServer(opts *Options, log *zap.Logger, importOnStart bool) *server.Server {
	timeout, err := parseFetchTimeout(opts.FetchTimeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error configuring server: %v\n", err)
		os.Exit(1)
	}
	srv, err := server.New(server.Config{
		Host:            opts.Host,
		Port:            strconv.Itoa(opts.Port),
		DataDir:         opts.DataDir,
		WebDir:          opts.WebDir,
		PublicURL:       opts.PublicURL,
		CapabilitiesURL: opts.CapabilitiesURL,
		ParcelURL:       opts.ParcelURL,
		FetchTimeout:    timeout,
		ImportOnStart:   importOnStart,
		Logger:          log,
	})
	if err != nil {
		log.Fatal("creating server", zap.Error(err))
	}
	return srv
}

func main() {
	cli := humacli.New(func(hooks humacli.Hooks, opts *Options) {
		var (
			log     *zap.Logger
			srv     *server.Server
			httpSrv *http.Server
		)

		hooks.OnStart(func() {
			log = newLogger(opts)
			defer log.Sync()
			srv = newServer(opts, log, true)
			defer srv.Close()

			addr := fmt.Sprintf("%s:%d", opts.Host, opts.Port)
			displayHost := opts.Host
			if displayHost == "0.0.0.0" {
				displayHost = "localhost"
			}
			baseURL := fmt.Sprintf("http://%s:%d", displayHost, opts.Port)

			fmt.Println()
			fmt.Printf("plat-cadastre server starting...\n")
			fmt.Printf("  Server:  %s\n", baseURL)
			fmt.Printf("  Data:    %s\n", opts.DataDir)
			fmt.Println()
			fmt.Printf("  Viewer:  %s/viewer\n", baseURL)
			fmt.Printf("  Docs:    %s/docs\n", baseURL)
			fmt.Printf("  OpenAPI: %s/openapi.json\n", baseURL)
			fmt.Println()

			httpSrv = &http.Server{Addr: addr, Handler: srv, ReadHeaderTimeout: 10 * time.Second}
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatal("server error", zap.Error(err))
			}
		})

		hooks.OnStop(func() {
			if httpSrv == nil {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			httpSrv.Shutdown(ctx)
		})
	})

	cli.Root().Use = "cadastre"
	cli.Root().Short = "Cadastral parcel map viewer"
	cli.Root().Version = "0.1.0"

	// spec subcommand: export OpenAPI spec
	specCmd := &cobra.Command{
		Use:   "spec",
		Short: "Export OpenAPI spec (JSON by default, --yaml for YAML)",
		Run: humacli.WithOptions(func(cmd *cobra.Command, args []string, opts *Options) {
			srv := newServer(opts, zap.NewNop(), false)
			defer srv.Close()
			spec := srv.OpenAPI()

			useYAML, _ := cmd.Flags().GetBool("yaml")

			var output []byte
			var err error
			if useYAML {
				output, err = yaml.Marshal(spec)
			} else {
				output, err = json.MarshalIndent(spec, "", "  ")
			}
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error marshaling spec: %v\n", err)
				os.Exit(1)
			}
			fmt.Println(string(output))
		}),
	}
	specCmd.Flags().BoolP("yaml", "y", false, "Output as YAML instead of JSON")
	cli.Root().AddCommand(specCmd)

	// build-tiles subcommand: write the parcel PMTiles archive
	buildCmd := &cobra.Command{
		Use:   "build-tiles [source.geojson]",
		Short: "Build the cadastral_parcels PMTiles archive from a GeoJSON source",
		Args:  cobra.MaximumNArgs(1),
		Run: humacli.WithOptions(func(cmd *cobra.Command, args []string, opts *Options) {
			engine, _ := cmd.Flags().GetString("engine")
			minZoom, _ := cmd.Flags().GetInt("min-zoom")
			maxZoom, _ := cmd.Flags().GetInt("max-zoom")
			if err := buildTiles(opts, args, engine, minZoom, maxZoom); err != nil {
				fmt.Fprintf(os.Stderr, "Error building tiles: %v\n", err)
				os.Exit(1)
			}
		}),
	}
	buildCmd.Flags().StringP("engine", "e", "", "Tile engine: go or tippecanoe (default: first available)")
	buildCmd.Flags().Int("min-zoom", 10, "Lowest zoom level")
	buildCmd.Flags().Int("max-zoom", gotiler.MaxZoom, "Highest zoom level")
	cli.Root().AddCommand(buildCmd)

	// discover subcommand: check a tegola capabilities document
	discoverCmd := &cobra.Command{
		Use:   "discover [capabilities-url]",
		Short: "Fetch a capabilities document and print the cadastral tile URL",
		Args:  cobra.MaximumNArgs(1),
		Run: humacli.WithOptions(func(cmd *cobra.Command, args []string, opts *Options) {
			url := opts.CapabilitiesURL
			if len(args) == 1 {
				url = args[0]
			}
			if url == "" {
				url = fmt.Sprintf("http://localhost:%d/api/v1/capabilities", opts.Port)
			}
			timeout, err := parseFetchTimeout(opts.FetchTimeout)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			caps, err := parcel.NewDiscoverer(url, nil).Discover(ctx)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error fetching capabilities: %v\n", err)
				os.Exit(1)
			}
			tileURL, err := caps.TileURL(parcel.CadastralMapName)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Println(tileURL)
		}),
	}
	cli.Root().AddCommand(discoverCmd)

	cli.Run()
}

func buildTiles(opts *Options, args []string, engineName string, minZoom, maxZoom int) error {
	sources := service.NewSourceService(opts.DataDir, nil)
	var input string
	if len(args) == 1 {
		input = args[0]
	} else {
		files, err := sources.List()
		if err != nil {
			return err
		}
		if len(files) == 0 {
			return fmt.Errorf("no GeoJSON sources in %s", sources.SourcesDir())
		}
		input = sources.Path(files[0].Name)
	}

	progress := func(pct int, status string) {
		fmt.Printf("  [%3d%%] %s\n", pct, status)
	}
	engine, err := tiler.Select(engineName,
		&tippecanoe.Tippecanoe{Progress: progress},
		&gotiler.GoTiler{Progress: progress},
	)
	if err != nil {
		return err
	}

	tiles := service.NewTileService(opts.DataDir, nil, nil)
	if err := os.MkdirAll(tiles.TilesDir(), 0o755); err != nil {
		return err
	}
	output := tiles.ArchivePath()
	fmt.Printf("Building %s from %s with %s\n", filepath.Base(output), input, engine.Name())
	return engine.Tile(input, output, tiler.TileConfig{
		Layer:   parcel.CadastralMapName,
		MinZoom: minZoom,
		MaxZoom: maxZoom,
	})
}
