package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"

	"go.uber.org/zap"

	"github.com/edclient/edclient/internal/logging"
	"github.com/edclient/edclient/pkg/client"
	"github.com/edclient/edclient/pkg/models"
)

func cmdLogin(ctx context.Context, a *app, args []string) error {
	flags := a.flagSet("login")
	if err := a.parse(ctx, flags, args); err != nil {
		return err
	}
	c, err := a.login(ctx)
	if err != nil {
		return err
	}
	acc := c.Account()
	fmt.Printf("Logged in as %s", acc.FullName())
	if acc.Class.Name != "" {
		fmt.Printf(" (%s)", acc.Class.Name)
	}
	fmt.Printf("\nSession saved to %s\n", a.sessionPath)
	return nil
}

func cmdLogout(ctx context.Context, a *app, args []string) error {
	flags := a.flagSet("logout")
	if err := a.parse(ctx, flags, args); err != nil {
		return err
	}
	if err := client.DeleteSession(a.sessionPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	fmt.Println("Session removed")
	return nil
}

func formatAverage(v *float64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatFloat(*v, 'f', 2, 64)
}

func cmdGrades(ctx context.Context, a *app, args []string) error {
	flags := a.flagSet("grades")
	period := flags.String("period", "", "Only show this period")
	best := flags.Bool("best", false, "Only show the best subjects")
	worst := flags.Bool("worst", false, "Only show the worst subjects")
	if err := a.parse(ctx, flags, args); err != nil {
		return err
	}
	c, err := a.Client(ctx)
	if err != nil {
		return err
	}
	grades, err := c.Grades(ctx)
	if err != nil {
		return err
	}
	if *period != "" {
		grades = grades.ForPeriod(*period)
	}
	switch {
	case *best:
		grades = grades.Best()
	case *worst:
		grades = grades.Worst()
	}
	if len(grades) == 0 {
		fmt.Println("No grades")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PERIOD\tSUBJECT\tAVERAGE\tCLASS\tMIN\tMAX\tCOEF\tTEACHERS")
	for _, g := range grades {
		periodName := ""
		if g.Period != nil {
			periodName = g.Period.Name
		}
		names := make([]string, 0, len(g.Teachers))
		for _, t := range g.Teachers {
			name := t.FullName()
			if t.IsHeadTeacher {
				name += " *"
			}
			names = append(names, name)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%g\t%s\n",
			periodName, g.Subject,
			formatAverage(g.Value), formatAverage(g.ClassAverage),
			formatAverage(g.ClassMin), formatAverage(g.ClassMax),
			g.Coefficient, strings.Join(names, ", "))
	}
	return w.Flush()
}

func cmdHomework(ctx context.Context, a *app, args []string) error {
	flags := a.flagSet("homework")
	day := flags.String("day", "", "Only this day (YYYY-MM-DD)")
	if err := a.parse(ctx, flags, args); err != nil {
		return err
	}
	c, err := a.Client(ctx)
	if err != nil {
		return err
	}

	var hw []models.Homework
	if *day != "" {
		hw, err = c.HomeworkForDay(ctx, *day)
	} else {
		hw, err = c.Homework(ctx)
	}
	if err != nil {
		return err
	}
	if len(hw) == 0 {
		fmt.Println("No homework")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DUE\tSUBJECT\tGIVEN\tDONE")
	for _, h := range hw {
		done := ""
		if h.Done {
			done = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", h.Date, h.Subject, h.GivenOn, done)
	}
	return w.Flush()
}

func cmdMessages(ctx context.Context, a *app, args []string) error {
	flags := a.flagSet("messages")
	unread := flags.Bool("unread", false, "Only unread messages")
	save := flags.Int("save-attachments", 0, "Save the attachments of this message id")
	dir := flags.String("dir", client.DefaultDownloadDir, "Directory for saved attachments")
	if err := a.parse(ctx, flags, args); err != nil {
		return err
	}
	c, err := a.Client(ctx)
	if err != nil {
		return err
	}
	box, err := c.Messages(ctx)
	if err != nil {
		return err
	}

	if *save != 0 {
		return saveAttachments(ctx, c, box, *save, *dir)
	}

	msgs := box.All()
	if *unread {
		msgs = box.Unread()
	}
	if len(msgs) == 0 {
		fmt.Println("No messages")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tFOLDER\tDATE\tFROM\tSUBJECT\tFILES\tREAD")
	for _, m := range msgs {
		read := ""
		if m.Read {
			read = "yes"
		}
		from := strings.TrimSpace(m.From.FirstName + " " + m.From.LastName)
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%d\t%s\n",
			m.ID, m.Folder, m.Date, from, m.Subject, len(m.Attachments), read)
	}
	return w.Flush()
}

func saveAttachments(ctx context.Context, c *client.Client, box *models.MessageBox, id int, dir string) error {
	for _, m := range box.All() {
		if m.ID != id {
			continue
		}
		if len(m.Attachments) == 0 {
			fmt.Println("No attachment")
			return nil
		}
		for _, att := range m.Attachments {
			dest := filepath.Join(dir, filepath.Base(att.Name))
			path, err := c.SaveAttachment(ctx, att, dest)
			if err != nil {
				return err
			}
			fmt.Println(path)
		}
		return nil
	}
	return fmt.Errorf("message %d not found", id)
}

func cmdMessage(ctx context.Context, a *app, args []string) error {
	flags := a.flagSet("message")
	if err := a.parse(ctx, flags, args); err != nil {
		return err
	}
	usage := errors.New("usage: edclient message <read|unread|archive|unarchive|move> <id> [folder id]")
	if flags.NArg() < 2 {
		return usage
	}
	action := flags.Arg(0)
	id, err := strconv.Atoi(flags.Arg(1))
	if err != nil {
		return fmt.Errorf("invalid message id %q", flags.Arg(1))
	}

	c, err := a.Client(ctx)
	if err != nil {
		return err
	}
	switch action {
	case "read":
		err = c.MarkRead(ctx, id)
	case "unread":
		err = c.MarkUnread(ctx, id)
	case "archive":
		err = c.Archive(ctx, id)
	case "unarchive":
		err = c.Unarchive(ctx, id)
	case "move":
		if flags.NArg() < 3 {
			return usage
		}
		folder, convErr := strconv.Atoi(flags.Arg(2))
		if convErr != nil {
			return fmt.Errorf("invalid folder id %q", flags.Arg(2))
		}
		err = c.MoveTo(ctx, id, folder)
	default:
		return usage
	}
	if err != nil {
		return err
	}
	logging.Info("message updated", zap.Int("id", id), zap.String("action", action))
	return nil
}

func cmdSchoolLife(ctx context.Context, a *app, args []string) error {
	flags := a.flagSet("schoollife")
	if err := a.parse(ctx, flags, args); err != nil {
		return err
	}
	c, err := a.Client(ctx)
	if err != nil {
		return err
	}
	events, err := c.SchoolLife(ctx)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Println("No absence or delay")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DATE\tKIND\tDURATION\tJUSTIFIED\tREASON")
	for _, e := range events {
		justified := "no"
		if e.Justified {
			justified = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.Date, e.Kind, e.Duration, justified, e.Reason)
	}
	return w.Flush()
}

func cmdAccounts(ctx context.Context, a *app, args []string) error {
	flags := a.flagSet("accounts")
	entries := flags.Bool("entries", false, "Show the entries of each account")
	if err := a.parse(ctx, flags, args); err != nil {
		return err
	}
	c, err := a.Client(ctx)
	if err != nil {
		return err
	}
	accounts, err := c.Accounts(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ACCOUNT\tBALANCE")
	for _, acc := range accounts {
		fmt.Fprintf(w, "%s\t%.2f\n", acc.Name, acc.Balance)
		if !*entries {
			continue
		}
		for _, e := range acc.Entries {
			fmt.Fprintf(w, "  %s %s\t%.2f\n", e.Date, e.Label, e.Amount)
		}
	}
	return w.Flush()
}

func cmdDocuments(ctx context.Context, a *app, args []string) error {
	flags := a.flagSet("documents")
	get := flags.Int64("get", 0, "Download the document with this id")
	dir := flags.String("dir", client.DefaultDownloadDir, "Directory for downloaded documents")
	if err := a.parse(ctx, flags, args); err != nil {
		return err
	}
	c, err := a.Client(ctx)
	if err != nil {
		return err
	}
	docs, err := c.Documents(ctx)
	if err != nil {
		return err
	}

	if *get != 0 {
		for _, d := range docs.All() {
			if d.ID != *get {
				continue
			}
			path, err := c.SaveDocument(ctx, d, filepath.Join(*dir, filepath.Base(d.DefaultFilename())))
			if err != nil {
				return err
			}
			fmt.Println(path)
			return nil
		}
		return fmt.Errorf("document %d not found", *get)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "GROUP\tID\tDATE\tNAME")
	groups := []struct {
		name string
		docs []models.Document
	}{
		{"administrative", docs.Administrative},
		{"school life", docs.SchoolLife},
		{"grades", docs.Grades},
	}
	for _, g := range groups {
		for _, d := range g.docs {
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", g.name, d.ID, d.Date, d.Name)
		}
	}
	return w.Flush()
}
