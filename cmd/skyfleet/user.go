package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"skyfleet/internal/models"
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage operator accounts",
}

var userRegisterCmd = &cobra.Command{
	Use:   "register [username]",
	Short: "Register an operator account",
	Args:  cobra.ExactArgs(1),
	RunE:  runUserRegister,
}

var userLoginCmd = &cobra.Command{
	Use:   "login [username]",
	Short: "Verify operator credentials",
	Args:  cobra.ExactArgs(1),
	RunE:  runUserLogin,
}

var (
	userPassword string
	userEmail    string
)

func init() {
	userCmd.AddCommand(userRegisterCmd, userLoginCmd)

	userRegisterCmd.Flags().StringVar(&userPassword, "password", "", "Account password (required)")
	userRegisterCmd.Flags().StringVar(&userEmail, "email", "", "Contact email")
	userRegisterCmd.MarkFlagRequired("password")

	userLoginCmd.Flags().StringVar(&userPassword, "password", "", "Account password (required)")
	userLoginCmd.MarkFlagRequired("password")
}

func runUserRegister(cmd *cobra.Command, args []string) error {
	body := map[string]string{
		"username": args[0],
		"password": userPassword,
		"email":    userEmail,
	}

	resp, err := apiPost("/api/auth/register", body)
	if err != nil {
		return err
	}

	var user models.User
	if err := json.Unmarshal(resp, &user); err != nil {
		return err
	}
	fmt.Printf("Registered user: %s\n", user.Username)
	return nil
}

func runUserLogin(cmd *cobra.Command, args []string) error {
	body := map[string]string{
		"username": args[0],
		"password": userPassword,
	}

	if _, err := apiPost("/api/auth/login", body); err != nil {
		return err
	}
	fmt.Printf("Credentials valid for %s\n", args[0])
	return nil
}
