package kv

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	putCmd = &cobra.Command{
		Use:   "put [key] [value]",
		Short: "Writes the value for a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			value := args[1]
			res, err := drv.Write(key, []byte(value)).Await()
			if err != nil {
				return err
			}
			fmt.Printf("put successfully (generation=%s)\n", res.Generation)
			return nil
		},
	}
	getCmd = &cobra.Command{
		Use:   "get [key]",
		Short: "Reads the value for a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			res, err := drv.Read(key).Await()
			if err != nil {
				return err
			}
			fmt.Printf("key=%s, found=%v, value=%s\n", key, res.Found, res.Value)
			return nil
		},
	}
)
