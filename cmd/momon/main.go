package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"momon/internal/config"
	"momon/internal/creation"
	"momon/internal/deviceid"
	"momon/internal/monsterclient"
	"momon/internal/result"
	"momon/internal/util"
	"momon/pkg/domain"
)

const usage = `usage: momon [-config path] [-state path] [-api url] <command> [flags]

commands:
  create -image <path> -text <emotion>   summon a monster from a photo and a feeling
  show -id <id>                          show a summoned monster
  device-id [-clear]                     print or reset this device's identifier
`

const (
	exitOK          = 0
	exitFailure     = 1
	exitUsage       = 2
	exitInterrupted = 130

	leavePrompt = "몬스터 소환 중이에요. 정말 나가시겠어요? 한 번 더 Ctrl+C를 누르면 종료합니다."
)

func main() {
	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr, interrupts))
}

type cli struct {
	stdout     io.Writer
	stderr     io.Writer
	interrupts <-chan os.Signal
	cfg        config.FileConfig
	ids        *deviceid.Store
	client     *monsterclient.Client
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer, interrupts <-chan os.Signal) int {
	global := flag.NewFlagSet("momon", flag.ContinueOnError)
	global.SetOutput(stderr)
	global.Usage = func() { fmt.Fprint(stderr, usage) }
	configPath := global.String("config", "", "path to config.yaml (optional)")
	statePath := global.String("state", "", "path to the state file holding the device id")
	apiURL := global.String("api", "", "monster backend base URL")
	if err := global.Parse(args); err != nil {
		return exitUsage
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "failed to load config: %v\n", err)
		return exitFailure
	}
	if *apiURL != "" {
		cfg.APIBaseURL = strings.TrimRight(strings.TrimSpace(*apiURL), "/")
	}
	util.InitLoggerTo(stderr, cfg.LogLevel)

	c := &cli{stdout: stdout, stderr: stderr, interrupts: interrupts, cfg: cfg}
	c.ids = deviceid.NewStore(c.stateStorage(*statePath))
	c.client = monsterclient.NewClient(cfg.APIBaseURL, c.ids,
		monsterclient.WithCreateTimeout(cfg.CreateTimeout),
		monsterclient.WithFetchTimeout(cfg.FetchTimeout),
	)

	rest := global.Args()
	if len(rest) == 0 {
		c.landing()
		return exitOK
	}
	switch rest[0] {
	case "home", "help":
		c.landing()
		return exitOK
	case "create":
		return c.create(ctx, rest[1:])
	case "show":
		return c.show(ctx, rest[1:])
	case "device-id":
		return c.deviceID(rest[1:])
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", rest[0], usage)
		return exitUsage
	}
}

// stateStorage resolves the state file: flag, then config, then the user
// config directory. Without any of them the identifier is simply absent.
func (c *cli) stateStorage(flagPath string) deviceid.Storage {
	path := strings.TrimSpace(flagPath)
	if path == "" {
		path = strings.TrimSpace(c.cfg.StateFile)
	}
	if path == "" {
		p, err := deviceid.DefaultStatePath()
		if err != nil {
			return nil
		}
		path = p
	}
	return deviceid.NewFileStorage(path)
}

func (c *cli) landing() {
	fmt.Fprintln(c.stdout, "Momon")
	fmt.Fprintln(c.stdout, "모몬 - AI가 만드는 당신만의 몬스터")
	fmt.Fprintln(c.stdout)
	fmt.Fprintln(c.stdout, "사진과 감정을 공유하면 AI가 당신만의 특별한 몬스터를 만들어줍니다.")
	fmt.Fprintln(c.stdout, "지금 당신의 기분은 어떤가요?")
	fmt.Fprintln(c.stdout)
	fmt.Fprintln(c.stdout, "몬스터 소환하기 ✨  momon create -image <사진> -text <감정>")
	fmt.Fprintln(c.stdout, "아직 갤러리 기능은 준비 중입니다")
	fmt.Fprintln(c.stdout)
	fmt.Fprint(c.stdout, usage)
}

func (c *cli) create(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("create", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	imagePath := fs.String("image", "", "photo to summon from")
	text := fs.String("text", "", "how you feel (1-100 characters)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *text == "" && fs.NArg() > 0 {
		*text = strings.Join(fs.Args(), " ")
	}

	form := creation.NewForm(
		creation.WithSlowNoticeAfter(c.cfg.SlowNoticeAfter),
		creation.WithMessageListener(func(msg string) { fmt.Fprintln(c.stderr, msg) }),
	)
	if *imagePath != "" {
		img, err := loadImage(*imagePath)
		if errors.Is(err, creation.ErrImageTooLarge) {
			fmt.Fprintln(c.stderr, err)
			return exitFailure
		}
		if err != nil {
			fmt.Fprintf(c.stderr, "failed to read image: %v\n", err)
			return exitFailure
		}
		if err := form.SelectImage(img); err != nil {
			fmt.Fprintln(c.stderr, err)
			return exitFailure
		}
	}
	form.SetText(*text)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	type submitted struct {
		outcome creation.Outcome
		err     error
	}
	done := make(chan submitted, 1)
	go func() {
		outcome, err := form.Submit(ctx, c.client)
		done <- submitted{outcome: outcome, err: err}
	}()

	warned := false
	for {
		select {
		case res := <-done:
			if res.err != nil {
				if msg := form.Error(); msg != "" {
					fmt.Fprintln(c.stderr, msg)
				} else {
					fmt.Fprintln(c.stderr, res.err)
				}
				return exitFailure
			}
			return c.showID(ctx, strconv.FormatInt(res.outcome.MonsterID, 10))
		case <-c.interrupts:
			if !form.LeaveGuard() {
				return exitInterrupted
			}
			if warned {
				cancel()
				return exitInterrupted
			}
			warned = true
			fmt.Fprintln(c.stderr, leavePrompt)
		}
	}
}

func (c *cli) show(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	id := fs.String("id", "", "monster id")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *id == "" && fs.NArg() > 0 {
		*id = fs.Arg(0)
	}
	return c.showID(ctx, *id)
}

func (c *cli) showID(ctx context.Context, id string) int {
	view := result.NewView(c.client)
	if _, err := result.ParseID(id); err == nil {
		fmt.Fprintln(c.stderr, result.LoadingMessage)
	}
	state := view.Load(ctx, id)
	if state.Status != result.StatusLoaded {
		fmt.Fprintln(c.stderr, "오류 발생")
		fmt.Fprintln(c.stderr, state.Error)
		return exitFailure
	}
	m := state.Monster
	fmt.Fprintln(c.stdout, "당신의 몬스터가 소환되었습니다! 🎉")
	fmt.Fprintln(c.stdout)
	fmt.Fprintln(c.stdout, m.Name)
	if m.Description != "" {
		fmt.Fprintln(c.stdout, m.Description)
	}
	if m.ImageURL != "" {
		fmt.Fprintln(c.stdout, m.ImageURL)
	}
	fmt.Fprintln(c.stdout)
	fmt.Fprintln(c.stdout, "새로운 몬스터 소환하기: momon create -image <사진> -text <감정>")
	return exitOK
}

func (c *cli) deviceID(args []string) int {
	fs := flag.NewFlagSet("device-id", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	reset := fs.Bool("clear", false, "forget the current identifier and issue a new one")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *reset {
		c.ids.Clear()
	}
	id := c.ids.GetOrCreateID()
	if id == "" {
		fmt.Fprintln(c.stderr, "device id unavailable: state file cannot be used")
		return exitFailure
	}
	fmt.Fprintln(c.stdout, id)
	return exitOK
}

// loadImage reads a photo the way a file picker hands it over: name, type
// and bytes. Oversize files are reported without reading them.
func loadImage(path string) (domain.ImageFile, error) {
	info, err := os.Stat(path)
	if err != nil {
		return domain.ImageFile{}, err
	}
	if info.IsDir() {
		return domain.ImageFile{}, errors.New("not a file")
	}
	if info.Size() > domain.MaxImageBytes {
		return domain.ImageFile{}, creation.ErrImageTooLarge
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.ImageFile{}, err
	}
	return domain.ImageFile{Filename: filepath.Base(path), ContentType: detectType(path, data), Data: data}, nil
}

// detectType sniffs the content and falls back to the extension.
func detectType(path string, data []byte) string {
	if mediaType, _, err := mime.ParseMediaType(mimetype.Detect(data).String()); err == nil && mediaType != "application/octet-stream" {
		return mediaType
	}
	if byExt := mime.TypeByExtension(filepath.Ext(path)); byExt != "" {
		if mediaType, _, err := mime.ParseMediaType(byExt); err == nil {
			return mediaType
		}
	}
	return "application/octet-stream"
}
