package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"nutriwise-ml/internal/core/ml/jobs"
	"nutriwise-ml/internal/core/ml/model"
	"nutriwise-ml/internal/core/recipe"
	"nutriwise-ml/internal/infrastructure/store"
	"nutriwise-ml/internal/pkg/common"
	"nutriwise-ml/pkg/client"

	"github.com/goccy/go-json"
)

const usage = `usage: mlctl [-addr URL] <command> [flags]

commands:
  train <classification|generation>  submit a training job and wait for it
  job <id>                           show a training job
  generate                           request a meal recommendation
  models                             list stored model versions
  activate <id>                      activate a model version
  reload [kind]                      drop loaded models so the next request reloads
  import <recipes.json>              import recipes into the data file (offline)
`

func main() {
	addr := flag.String("addr", envOr("NUTRIWISE_ADDR", "http://localhost:5000"), "API base URL")
	timeout := flag.Duration("timeout", 30*time.Second, "per-request timeout")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := client.New(*addr, *timeout)
	cmd, args := flag.Arg(0), flag.Args()[1:]

	var err error
	switch cmd {
	case "train":
		err = runTrain(ctx, c, args)
	case "job":
		err = runJob(ctx, c, args)
	case "generate":
		err = runGenerate(ctx, c, args)
	case "models":
		err = runModels(ctx, c, args)
	case "activate":
		err = runActivate(ctx, c, args)
	case "reload":
		kind := ""
		if len(args) > 0 {
			kind = args[0]
		}
		var reloaded []string
		if reloaded, err = c.Reload(ctx, kind); err == nil {
			fmt.Printf("reloaded: %s\n", strings.Join(reloaded, ", "))
		}
	case "import":
		err = runImport(ctx, args)
	default:
		flag.Usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func runTrain(ctx context.Context, c *client.Client, args []string) error {
	fs := flag.NewFlagSet("train", flag.ExitOnError)
	epochs := fs.Int("epochs", 0, "override epochs")
	batch := fs.Int("batch-size", 0, "override batch size")
	lr := fs.Float64("lr", 0, "override learning rate")
	dropout := fs.Float64("dropout", 0, "override dropout (0 disables it)")
	hidden := fs.String("hidden", "", "override hidden layers, e.g. 256,128")
	version := fs.String("version", "", "model version label")
	noActivate := fs.Bool("no-activate", false, "store the model without activating it")
	wait := fs.Bool("wait", true, "poll until the job finishes")
	interval := fs.Duration("interval", 2*time.Second, "poll interval")

	if len(args) == 0 {
		return fmt.Errorf("model kind is required")
	}
	kind, err := model.ParseKind(args[0])
	if err != nil {
		return err
	}
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	layers, err := parseInts(*hidden)
	if err != nil {
		return err
	}
	req := recipe.TrainRequest{
		TrainParams: model.TrainParams{
			Epochs:       *epochs,
			BatchSize:    *batch,
			HiddenLayers: layers,
			LearningRate: *lr,
		},
		Version: *version,
	}
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "dropout" {
			req.Dropout = model.Float(*dropout)
		}
	})
	if *noActivate {
		activate := false
		req.Activate = &activate
	}

	accepted, err := c.Train(ctx, kind, req)
	if err != nil {
		return err
	}
	fmt.Printf("job %s accepted (%s)\n", accepted.JobID, accepted.Status)
	if !*wait {
		return nil
	}

	job, err := c.WaitJob(ctx, accepted.JobID, *interval, func(j *jobs.Job) {
		if j.Progress != nil {
			fmt.Printf("  epoch %d/%d loss=%.4f val_loss=%.4f\n", j.Progress.Epoch, j.Progress.Epochs, j.Progress.Loss, j.Progress.ValLoss)
		}
	})
	if err != nil {
		return err
	}
	return printJSON(job)
}

func runJob(ctx context.Context, c *client.Client, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("job id is required")
	}
	job, err := c.Job(ctx, args[0])
	if err != nil {
		return err
	}
	return printJSON(job)
}

func runGenerate(ctx context.Context, c *client.Client, args []string) error {
	fs := flag.NewFlagSet("generate", flag.ExitOnError)
	ingredients := fs.String("ingredients", "", "comma separated available ingredients")
	allergies := fs.String("allergies", "", "comma separated allergens")
	diet := fs.String("diet", "", "dietary preference (vegetarian, vegan, ...)")
	cuisine := fs.String("cuisine", "", "cuisine type")
	recipeType := fs.String("type", "", "recipe type (savory, sweet)")
	healthy := fs.Bool("healthy", false, "prefer healthy recipes")
	if err := fs.Parse(args); err != nil {
		return err
	}

	meal, source, err := c.GenerateMeal(ctx, recipe.MealRequest{
		RecipeType:           *recipeType,
		AvailableIngredients: splitList(*ingredients),
		Allergies:            splitList(*allergies),
		DietaryPreference:    *diet,
		CuisineType:          *cuisine,
		IsHealthy:            *healthy,
	})
	if err != nil {
		return err
	}
	fmt.Printf("source: %s\n", source)
	return printJSON(meal)
}

func runModels(ctx context.Context, c *client.Client, args []string) error {
	fs := flag.NewFlagSet("models", flag.ExitOnError)
	name := fs.String("name", "", "filter by model kind")
	if err := fs.Parse(args); err != nil {
		return err
	}
	models, err := c.Models(ctx, *name)
	if err != nil {
		return err
	}
	for _, m := range models {
		active := ""
		if m.IsActive {
			active = " (active)"
		}
		fmt.Printf("%d\t%s\t%s\t%s%s\n", m.ID, m.ModelName, m.ModelVersion, m.CreatedAt.Format(time.RFC3339), active)
	}
	return nil
}

func runActivate(ctx context.Context, c *client.Client, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("model id is required")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid model id %q", args[0])
	}
	summary, err := c.Activate(ctx, id, "")
	if err != nil {
		return err
	}
	fmt.Printf("activated %s %s, run `mlctl reload` to serve it\n", summary.ModelName, summary.ModelVersion)
	return nil
}

// runImport 直接寫入資料文件，不經過 API
func runImport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	dataFile := fs.String("data", envOr("DATA_FILE", "data/data.json"), "data file path")
	replace := fs.Bool("replace", false, "replace the whole corpus instead of merging by id")
	if len(args) == 0 {
		return fmt.Errorf("recipes file is required")
	}
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	raw, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	var recipes []common.Recipe
	if err := common.ParseJSONBytes(raw, &recipes); err != nil {
		return fmt.Errorf("parse %s: %w", args[0], err)
	}

	st, err := store.Open(*dataFile)
	if err != nil {
		return err
	}
	total, err := st.ImportRecipes(ctx, recipes, *replace)
	if err != nil {
		return err
	}
	fmt.Printf("imported %d recipes, corpus now has %d\n", len(recipes), total)
	return nil
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func parseInts(s string) ([]int, error) {
	var out []int
	for _, item := range splitList(s) {
		n, err := strconv.Atoi(item)
		if err != nil {
			return nil, fmt.Errorf("invalid layer width %q", item)
		}
		out = append(out, n)
	}
	return out, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
