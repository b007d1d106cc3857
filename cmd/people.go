package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-attendance/internal/config"
	"github.com/kozaktomas/face-attendance/internal/store/postgres"
)

var peopleCmd = &cobra.Command{
	Use:   "people",
	Short: "List enrolled people",
	RunE:  runPeople,
}

var peopleRemoveCmd = &cobra.Command{
	Use:   "remove <identity-id>",
	Short: "Remove an enrolled person",
	Args:  cobra.ExactArgs(1),
	RunE:  runPeopleRemove,
}

func init() {
	rootCmd.AddCommand(peopleCmd)
	peopleCmd.AddCommand(peopleRemoveCmd)
}

func openIdentityRepo() (*postgres.IdentityRepository, *postgres.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if cfg.Database.URL == "" {
		return nil, nil, fmt.Errorf("DATABASE_URL is required")
	}
	pool, err := postgres.Initialize(&cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("database init failed: %w", err)
	}
	return postgres.NewIdentityRepository(pool), pool, nil
}

func runPeople(cmd *cobra.Command, args []string) error {
	repo, pool, err := openIdentityRepo()
	if err != nil {
		return err
	}
	defer pool.Close()

	identities, err := repo.List(cmd.Context())
	if err != nil {
		return err
	}

	if len(identities) == 0 {
		fmt.Println("No people enrolled.")
		return nil
	}

	for _, id := range identities {
		fmt.Printf("%-30s %s (%d embeddings)\n", id.ID, id.DisplayName, len(id.Embeddings))
	}
	fmt.Printf("\n%d people enrolled\n", len(identities))
	return nil
}

func runPeopleRemove(cmd *cobra.Command, args []string) error {
	repo, pool, err := openIdentityRepo()
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := repo.Delete(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Printf("Removed %s\n", args[0])
	return nil
}
