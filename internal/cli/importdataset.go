package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jdziat/ecoscan/pkg/pipeline"
	"github.com/jdziat/ecoscan/pkg/reward"
	"github.com/jdziat/ecoscan/pkg/sor"
)

// dataset is the import file format. JSON files parse too, since JSON is YAML.
type dataset struct {
	Characters []reward.Character `yaml:"characters"`
	Rules      []datasetRule      `yaml:"rules"`
	Facilities []datasetFacility  `yaml:"facilities"`
}

type datasetRule struct {
	Category string   `yaml:"category"`
	Steps    []string `yaml:"steps"`
	Cautions []string `yaml:"cautions"`
	Source   string   `yaml:"source"`
}

type datasetFacility struct {
	Name      string  `yaml:"name"`
	Address   string  `yaml:"address"`
	Kind      string  `yaml:"kind"`
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`
	Accepts   string  `yaml:"accepts"`
}

var importDatasetCmd = &cobra.Command{
	Use:   "import-dataset FILE",
	Short: "Load characters, disposal rules and facilities into the system of record",
	Long: `Upsert the characters, disposal rules and facilities of a YAML or JSON dataset.

Example file:
  characters:
    - id: char-pet
      name: Petty
      type: mascot
      dialog: Rinse me and crush me!
      match_category: PET
  rules:
    - category: pet
      steps: ["Empty and rinse", "Remove the label", "Crush flat"]
      cautions: ["Caps go with plastics"]
  facilities:
    - name: City Hall Collection Point
      address: 110 Sejong-daero
      kind: collection_point
      latitude: 37.5665
      longitude: 126.9780
      accepts: batteries, lamps`,
	Args: cobra.ExactArgs(1),
	RunE: runImportDataset,
}

func runImportDataset(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read dataset: %w", err)
	}
	var ds dataset
	if err := yaml.Unmarshal(data, &ds); err != nil {
		return fmt.Errorf("parse dataset %s: %w", args[0], err)
	}

	store, err := openSoR()
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	chars, err := store.ImportCharacters(ctx, ds.Characters)
	if err != nil {
		return fmt.Errorf("import characters: %w", err)
	}

	rules := make([]pipeline.DisposalRules, len(ds.Rules))
	for i, r := range ds.Rules {
		rules[i] = pipeline.DisposalRules{Category: r.Category, Steps: r.Steps, Cautions: r.Cautions, Source: r.Source}
	}
	imported, err := store.ImportRules(ctx, rules)
	if err != nil {
		return fmt.Errorf("import rules: %w", err)
	}

	facilities := make([]sor.Facility, len(ds.Facilities))
	for i, f := range ds.Facilities {
		facilities[i] = sor.Facility{
			Name: f.Name, Address: f.Address, Kind: f.Kind,
			Latitude: f.Latitude, Longitude: f.Longitude, Accepts: f.Accepts,
		}
	}
	places, err := store.ImportFacilities(ctx, facilities)
	if err != nil {
		return fmt.Errorf("import facilities: %w", err)
	}

	logger.Info("dataset imported", "file", args[0], "characters", chars, "rules", imported, "facilities", places)
	fmt.Fprintf(cmd.OutOrStdout(), "characters: %d\nrules:      %d\nfacilities: %d\n", chars, imported, places)
	return nil
}
