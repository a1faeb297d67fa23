package simcmd_server

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// registerCommands binds the built-in simulation commands. The specs are
// constant, so a failure here is a programming error.
func (eng *mainEngine) registerCommands() {
	eng.mustRegister(
		eng.fnHelp,
		"help?List the available commands and aliases",
	)

	eng.mustRegister(
		eng.fnSetMode,
		"vset /mode/(.*)?Sets the camera view mode: depth, depth1, normal, object_mask, lit, unlit, base_color or debug",
	)

	eng.mustRegister(
		eng.fnSetMode,
		"vset /mode?Rejected; a view mode argument is required",
	)

	eng.mustRegister(
		eng.fnGetMode,
		"vget /mode?Gets the current camera view mode",
	)

	eng.mustRegister(
		eng.fnGetCameraName,
		"vget /camera/[id]/name?Gets the name of camera <id>",
	)

	eng.mustRegister(
		eng.fnGetCameraImage,
		"vget /camera/[id]/image?Captures a frame from camera <id> and returns the file name",
	)

	eng.mustRegister(
		eng.fnGetFrame,
		"vget /frame?Gets the number of simulation frames rendered so far",
	)

	eng.mustRegister(
		eng.fnGetLastCapture,
		"vget /frame/last?Gets the file name of the last successful capture",
	)

	// aliases for human interaction
	eng.dispatcher.DefineAlias("VisionDepth", "vset /mode/depth")
	eng.dispatcher.DefineAlias("VisionCamInfo", "vget /camera/0/name")
}

func (eng *mainEngine) mustRegister(h Handler, spec string) {
	if err := eng.dispatcher.RegisterCommand(spec, h); err != nil {
		panic(err)
	}
}

func (eng *mainEngine) fnHelp(ctx context.Context, args []string) Result {
	lines := []string{}
	for _, b := range eng.dispatcher.registry.Bindings() {
		if b.Help == "" {
			lines = append(lines, b.Pattern.String())
		} else {
			lines = append(lines, fmt.Sprintf("%s: %s", b.Pattern.String(), b.Help))
		}
	}
	for _, a := range eng.dispatcher.aliases.Aliases() {
		lines = append(lines, fmt.Sprintf("%s -> %s", a.Name, a.Command))
	}
	return Success(strings.Join(lines, "\n"))
}

func (eng *mainEngine) fnSetMode(ctx context.Context, args []string) Result {
	if len(args) != 1 {
		return Failure("Arguments to SetMode are incorrect")
	}

	if err := eng.world.setViewMode(args[0]); err != nil {
		return FailureFromErr(err)
	}
	return Success("")
}

func (eng *mainEngine) fnGetMode(ctx context.Context, args []string) Result {
	return Success(eng.world.viewMode())
}

func (eng *mainEngine) fnGetCameraName(ctx context.Context, args []string) Result {
	name, exists := eng.world.cameraName(args[0])
	if !exists {
		return Failuref("Camera %s not found", args[0])
	}
	return Success(name)
}

func (eng *mainEngine) fnGetCameraImage(ctx context.Context, args []string) Result {
	if _, exists := eng.world.cameraName(args[0]); !exists {
		return Failuref("Camera %s not found", args[0])
	}

	filename, err := eng.world.captureFrame()
	if err != nil {
		return Failure(notifyCaptureFailed)
	}
	return Success(filename)
}

func (eng *mainEngine) fnGetFrame(ctx context.Context, args []string) Result {
	return Success(strconv.Itoa(eng.world.frame()))
}

func (eng *mainEngine) fnGetLastCapture(ctx context.Context, args []string) Result {
	return Success(eng.world.lastCapture())
}
