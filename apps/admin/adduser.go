package main

import (
	"context"

	"github.com/masomo/campus/core/user"
)

// addUser creates an active user.User, validated like the users created through the API.
func (cli *commandLine) addUser(name, uname, email, pwd string, roles []string) (user.User, error) {
	ctx := context.Background()
	nu := user.NewUser{
		Name:            name,
		Username:        uname,
		Email:           email,
		Password:        pwd,
		PasswordConfirm: pwd,
		Roles:           roles,
	}
	if err := nu.Validate(ctx, cli.validate, cli.usrSvc); err != nil {
		return user.User{}, err
	}
	return cli.usrSvc.Create(ctx, nu)
}
