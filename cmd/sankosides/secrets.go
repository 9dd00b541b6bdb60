package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Kevin-nav/sankosides/pkg/config"
)

var secretsCmd = &cobra.Command{
	Use:   "secrets",
	Short: "Manage the encrypted secrets file",
}

var secretsSetCmd = &cobra.Command{
	Use:   "set NAME",
	Short: "Store a secret (API key) in .sankosides/secrets.json.enc",
	Long: `Prompts for the value and stores it encrypted. The passphrase comes from
$SANKOSIDES_PASSWORD or is prompted for.

Examples:
  sankosides secrets set GEMINI_API_KEY`,
	Args: cobra.ExactArgs(1),
	RunE: runSecretsSet,
}

var secretsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored secret names",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if _, err := loadConfig(true); err != nil {
			return err
		}
		for _, name := range config.SecretNames() {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
		return nil
	},
}

func init() {
	secretsCmd.AddCommand(secretsSetCmd, secretsListCmd)
	rootCmd.AddCommand(secretsCmd)
}

func runSecretsSet(cmd *cobra.Command, args []string) error {
	name := args[0]
	if !validSecretName(name) {
		return fmt.Errorf("secret name must contain only letters, digits and underscores")
	}
	if err := config.LoadConfig(projectDir); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	passphrase, err := passphrase(!config.SecretsFileExists(projectDir))
	if err != nil {
		return err
	}
	if config.SecretsFileExists(projectDir) {
		secrets, err := config.DecryptSecretsFile(projectDir, passphrase)
		if err != nil {
			return err
		}
		config.SetDecryptedSecrets(secrets)
	}

	value, err := readSecret(fmt.Sprintf("Value for %s: ", name))
	if err != nil {
		return err
	}
	if value == "" {
		return fmt.Errorf("empty value")
	}
	config.SetSecret(name, value)
	if err := config.SaveSecretsToFile(projectDir, passphrase); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Stored %s\n", name)
	return nil
}

// unlockSecrets decrypts the secrets file into memory.
func unlockSecrets(prompt bool) error {
	pass := os.Getenv(envPassphrase)
	if pass == "" && !prompt {
		return fmt.Errorf("secrets file is encrypted; set %s", envPassphrase)
	}
	if pass == "" {
		var err error
		if pass, err = readSecret("Secrets passphrase: "); err != nil {
			return err
		}
	}
	secrets, err := config.DecryptSecretsFile(projectDir, pass)
	if err != nil {
		return err
	}
	config.SetDecryptedSecrets(secrets)
	return nil
}

// passphrase returns $SANKOSIDES_PASSWORD or prompts, asking twice when creating a new file.
func passphrase(confirm bool) (string, error) {
	if p := os.Getenv(envPassphrase); p != "" {
		return p, nil
	}
	first, err := readSecret("Secrets passphrase: ")
	if err != nil {
		return "", err
	}
	if !confirm {
		return first, nil
	}
	second, err := readSecret("Confirm passphrase: ")
	if err != nil {
		return "", err
	}
	if first != second {
		return "", fmt.Errorf("passphrases do not match")
	}
	return first, nil
}

func readSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("stdin is not a terminal; set %s", envPassphrase)
	}
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	defer func() {
		for i := range b {
			b[i] = 0
		}
	}()
	return strings.TrimSpace(string(b)), nil
}

func validSecretName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') && r != '_' {
			return false
		}
	}
	return true
}
