package cmd

import (
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"
)

// Choice is one accepted value of a ChoiceFlag.
type Choice struct {
	Name string
	Help string
}

// ChoiceFlag is a flag value restricted to a fixed list of names. The first
// choice is the default.
type ChoiceFlag struct {
	choices []Choice
	current int
}

func NewChoiceFlag(choices ...Choice) *ChoiceFlag {
	if len(choices) == 0 {
		panic("NewChoiceFlag: no choices")
	}
	return &ChoiceFlag{choices: choices}
}

func (f *ChoiceFlag) String() string { return f.choices[f.current].Name }
func (f *ChoiceFlag) Type() string   { return "string" }

// Names lists the accepted names in declaration order.
func (f *ChoiceFlag) Names() []string {
	names := make([]string, len(f.choices))
	for i, c := range f.choices {
		names[i] = c.Name
	}
	return names
}

func (f *ChoiceFlag) Usage() string { return "[" + strings.Join(f.Names(), ", ") + "]" }

func (f *ChoiceFlag) Set(v string) error {
	i := slices.IndexFunc(f.choices, func(c Choice) bool { return c.Name == v })
	if i < 0 {
		return fmt.Errorf("must be one of: %s", strings.Join(f.Names(), ", "))
	}
	f.current = i
	return nil
}

// Complete offers the names starting with toComplete, with their help as description.
func (f *ChoiceFlag) Complete(_ *cobra.Command, _ []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	var items []string
	for _, c := range f.choices {
		switch {
		case !strings.HasPrefix(c.Name, toComplete):
		case c.Help != "":
			items = append(items, c.Name+"\t"+c.Help)
		default:
			items = append(items, c.Name)
		}
	}
	return items, cobra.ShellCompDirectiveNoFileComp
}
