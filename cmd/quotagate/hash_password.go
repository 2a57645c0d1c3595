package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/artpar/quotagate/adapters/hasher"
	"github.com/spf13/cobra"
)

var hashCost int

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password [password]",
	Short: "Hash the admin password",
	Long: `Print a bcrypt hash for auth.admin_password_hash. The password is
read from the first argument, or from the first line of stdin.

Examples:
  quotagate hash-password 's3cret'
  echo 's3cret' | quotagate hash-password`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHashPassword,
}

func init() {
	rootCmd.AddCommand(hashPasswordCmd)

	hashPasswordCmd.Flags().IntVar(&hashCost, "cost", 0, "bcrypt cost (default: 10)")
}

func runHashPassword(cmd *cobra.Command, args []string) error {
	var password string
	if len(args) == 1 {
		password = args[0]
	} else {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("read password: %w", err)
		}
		password = strings.TrimRight(line, "\r\n")
	}
	if password == "" {
		return errors.New("password must not be empty")
	}

	hash, err := hasher.NewBcrypt(hashCost).Hash(password)
	if err != nil {
		return err
	}
	fmt.Println(string(hash))
	return nil
}
