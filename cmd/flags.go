package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// mustGet reads a flag registered in init(). A lookup error means the flag
// name or type in the command code is wrong, so it panics.
func mustGet[T any](get func(string) (T, error), name string) T {
	val, err := get(name)
	if err != nil {
		panic(fmt.Sprintf("flag error for --%s: %v", name, err))
	}
	return val
}

func mustGetBool(cmd *cobra.Command, name string) bool {
	return mustGet(cmd.Flags().GetBool, name)
}

func mustGetInt(cmd *cobra.Command, name string) int {
	return mustGet(cmd.Flags().GetInt, name)
}

func mustGetInt64(cmd *cobra.Command, name string) int64 {
	return mustGet(cmd.Flags().GetInt64, name)
}

func mustGetString(cmd *cobra.Command, name string) string {
	return mustGet(cmd.Flags().GetString, name)
}

func mustGetStringSlice(cmd *cobra.Command, name string) []string {
	return mustGet(cmd.Flags().GetStringSlice, name)
}
