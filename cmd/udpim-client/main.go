package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"udpim/client"
	"udpim/config"
	"udpim/logger"
	"udpim/reliable"
)

func main() {
	cfg := config.Load()

	serverAddr := flag.String("server", cfg.ServerAddr, "udpim server address (host:port)")
	sessionPath := flag.String("session", cfg.SessionPath, "session record file")
	flag.Parse()

	logger.Init(cfg.Debug)

	c, err := client.New(&client.Config{
		ServerAddr:  *serverAddr,
		SessionPath: *sessionPath,
		MaxRetries:  cfg.MaxRetries,
		AckTimeout:  time.Duration(cfg.AckTimeout) * time.Second,
	})
	if err != nil {
		logger.FatalF("Failed to start client: %v", err)
	}

	// Graceful shutdown: abort any in-flight wait, send the disconnect
	// notice, exit.
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nShutting down client...")
		cancel()
		c.Disconnect()
		os.Exit(0)
	}()

	color.Cyan("=========== Welcome to udpim ===========")

	stdin := bufio.NewScanner(os.Stdin)

	if c.Resume() {
		fmt.Printf("Resuming session as %s (%s)\n", c.Username(), c.FirstName())
	} else if !connect(ctx, c, stdin) {
		c.Disconnect()
		os.Exit(1)
	}

	for {
		printMenu()
		fmt.Print("Enter your choice (1-4): ")
		if !stdin.Scan() {
			break
		}

		switch strings.TrimSpace(stdin.Text()) {
		case "1":
			listUsers(ctx, c)
		case "2":
			sendMessage(ctx, c, stdin)
		case "3":
			checkMessages(ctx, c)
		case "4":
			fmt.Println("Thank you for using udpim!")
			c.Disconnect()
			return
		default:
			fmt.Println("Invalid option. Please try again.")
		}
	}

	c.Disconnect()
}

func printMenu() {
	color.Cyan("\n============= udpim Menu =============")
	fmt.Println("1. List Online Users")
	fmt.Println("2. Send Message")
	fmt.Println("3. Check Messages")
	fmt.Println("4. Exit")
	color.Cyan("======================================")
}

func connect(ctx context.Context, c *client.Client, stdin *bufio.Scanner) bool {
	for attempt := 0; attempt < 3; attempt++ {
		fmt.Print("Enter username: ")
		if !stdin.Scan() {
			return false
		}
		username := strings.TrimSpace(stdin.Text())
		if username == "" {
			fmt.Println("Username cannot be empty")
			continue
		}

		fmt.Print("Enter your first name: ")
		if !stdin.Scan() {
			return false
		}
		firstName := strings.TrimSpace(stdin.Text())
		if firstName == "" {
			fmt.Println("First name cannot be empty")
			continue
		}

		err := c.Connect(ctx, username, firstName)
		if err == nil {
			color.Green("Welcome %s! You are now connected.", firstName)
			return true
		}

		switch {
		case errors.Is(err, client.ErrUsernameTaken):
			color.Red("Username %q is taken, pick another.", username)
		case errors.Is(err, reliable.ErrDeliveryFailed):
			color.Red("Server is not responding, retrying...")
		default:
			color.Red("Connection failed: %v", err)
		}
	}

	fmt.Println("Failed to connect after multiple attempts")
	return false
}

func listUsers(ctx context.Context, c *client.Client) {
	users, err := c.ListUsers(ctx)
	if err != nil {
		color.Red("Error: %v", err)
		return
	}
	if len(users) == 0 {
		fmt.Println("Currently no users online")
		return
	}

	fmt.Println("\nOnline Users:")
	for _, u := range users {
		fmt.Printf("  %s (%s)\n", color.GreenString(u.Username), u.FirstName)
	}
}

func sendMessage(ctx context.Context, c *client.Client, stdin *bufio.Scanner) {
	fmt.Print("Enter recipient username: ")
	if !stdin.Scan() {
		return
	}
	recipient := strings.TrimSpace(stdin.Text())
	if recipient == "" {
		fmt.Println("Invalid recipient username")
		return
	}

	fmt.Print("Enter your message: ")
	if !stdin.Scan() {
		return
	}
	body := stdin.Text()
	if strings.TrimSpace(body) == "" {
		fmt.Println("Empty message, nothing sent")
		return
	}

	err := c.SendMessage(ctx, recipient, body)
	switch {
	case err == nil:
		color.Green("Message sent successfully!")
	case errors.Is(err, client.ErrUnknownRecipient):
		color.Red("No such user: %s", recipient)
	default:
		color.Red("Failed to send message: %v", err)
	}
}

func checkMessages(ctx context.Context, c *client.Client) {
	messages, err := c.RetrieveMessages(ctx)
	if err != nil {
		color.Red("Error: %v", err)
		return
	}
	if len(messages) == 0 {
		fmt.Println("No new messages")
		return
	}

	fmt.Printf("\n======= %d new message(s) =======\n", len(messages))
	for _, m := range messages {
		fmt.Printf("[%s] %s: %s\n",
			m.SentAt.Local().Format("15:04:05"),
			color.GreenString(m.Sender),
			m.Body,
		)
	}
}
