package main

import (
	"fmt"
	"log"
	"os"
	"strings"

	. "github.com/ZenLiuCN/objload"
	"github.com/davecgh/go-spew/spew"
	"github.com/urfave/cli/v2"
)

func main() {
	if err := app().Run(os.Args); err != nil {
		log.Fatalf("failure %s", err)
	}
}

func app() *cli.App {
	app := cli.NewApp()
	app.Usage = "relocatable object loader"
	app.Name = "objld"
	app.Description = "inspect ELF relocatable objects, link them into a session and call their exports"
	app.Flags = []cli.Flag{
		&cli.BoolFlag{Name: "debug", Aliases: []string{"d"}},
		&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "TOML session configuration"},
	}
	app.Commands = []*cli.Command{
		{Name: "inspect",
			Action: inspect,
			Usage:  "display sections, exports, imports and relocations of objfile",
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: "demangle", Aliases: []string{"m"}, Usage: "demangle C++ symbol names"},
				&cli.BoolFlag{Name: "dump", Usage: "dump the full report"},
			},
			Args: true,
		},
		{Name: "symbols",
			Action: symbols,
			Usage:  "load objfiles in order and list the session symbols",
			Args:   true,
		},
		{Name: "missing",
			Action: missing,
			Usage:  "display symbols the objfile needs that the session can not provide",
			Flags: []cli.Flag{
				&cli.StringSliceFlag{Name: "load", Aliases: []string{"l"}, Usage: "objfiles loaded before the check"},
			},
			Args: true,
		},
		{Name: "call",
			Action: call,
			Usage:  "call an export: call --load math.o add 1 2",
			Flags: []cli.Flag{
				&cli.StringSliceFlag{Name: "load", Aliases: []string{"l"}, Usage: "objfiles to load", Required: true},
			},
			Args: true,
		},
	}
	return app
}

func session(ctx *cli.Context) (s *Session, err error) {
	cfg := DefaultConfig()
	if p := ctx.String("config"); p != "" {
		if cfg, err = LoadConfig(p); err != nil {
			return
		}
	}
	if ctx.Bool("debug") {
		cfg.LogLevel = "debug"
	}
	return New(cfg)
}

func loadAll(s *Session, files []string) (err error) {
	for _, f := range files {
		if _, err = s.LoadFile(f); err != nil {
			return
		}
	}
	return
}

func inspect(ctx *cli.Context) (err error) {
	if ctx.NArg() == 0 {
		return fmt.Errorf("missing objfile list")
	}
	for _, f := range ctx.Args().Slice() {
		var r *Report
		if r, err = Inspect(f); err != nil {
			return
		}
		switch {
		case ctx.Bool("dump"):
			log.Printf("\n%s", spew.Sdump(r))
		case ctx.Bool("demangle"):
			log.Printf("\n%s", strings.Join(r.Names(true), "\n"))
		default:
			log.Printf("\n%s", r.String())
		}
	}
	return
}

func symbols(ctx *cli.Context) (err error) {
	s, err := session(ctx)
	if err != nil {
		return
	}
	defer s.Close()
	if err = loadAll(s, ctx.Args().Slice()); err != nil {
		return
	}
	for _, name := range s.Symbols() {
		sym, _ := s.Lookup(name)
		fmt.Printf("%#016x %s %s\n", sym.Addr, sym.Binding, name)
	}
	return
}

func missing(ctx *cli.Context) (err error) {
	if ctx.NArg() == 0 {
		return fmt.Errorf("missing objfile list")
	}
	s, err := session(ctx)
	if err != nil {
		return
	}
	defer s.Close()
	if err = loadAll(s, ctx.StringSlice("load")); err != nil {
		return
	}
	for _, f := range ctx.Args().Slice() {
		var data []byte
		if data, err = os.ReadFile(f); err != nil {
			return
		}
		var names []string
		if names, err = s.MissingSymbols(data); err != nil {
			return
		}
		fmt.Printf("%s: %s\n", f, strings.Join(names, " "))
	}
	return
}

func call(ctx *cli.Context) (err error) {
	if ctx.NArg() == 0 {
		return fmt.Errorf("missing function name")
	}
	s, err := session(ctx)
	if err != nil {
		return
	}
	defer s.Close()
	if err = loadAll(s, ctx.StringSlice("load")); err != nil {
		return
	}
	args := ctx.Args().Slice()
	v, err := s.Function(args[0]).CallValues(parseArgs(args[1:])...)
	if err != nil {
		return
	}
	fmt.Println(v.String())
	return
}
