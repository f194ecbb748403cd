package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/wfunc/pill-dispenser/internal/agent"
	"github.com/wfunc/pill-dispenser/internal/config"
	"github.com/wfunc/pill-dispenser/internal/errors"
	"github.com/wfunc/pill-dispenser/internal/hardware"
)

// maintenance 维护命令，结果直接输出到终端
func maintenance(ctx context.Context, cfg *config.Config, d *hardware.Devices, cmd string, args []string) error {
	switch cmd {
	case "rotate":
		return rotate(ctx, cfg, d, args)
	case "hand":
		return watchHand(ctx, cfg, d)
	}

	sensor := agent.NewSensor(&cfg.Sensor, d)
	if err := sensor.Reset(ctx); err != nil {
		return err
	}

	switch cmd {
	case "count":
		n, err := sensor.UserCount(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("已录入指纹: %d\n", n)

	case "enroll":
		fmt.Println("请按压手指两次...")
		r := sensor.Enroll(ctx)
		fmt.Println(r.Message())
		if !r.OK() {
			return r.Err()
		}

	case "verify":
		fmt.Println("请按压手指...")
		r := sensor.Verify(ctx)
		fmt.Println(r.Message())
		if !r.OK() {
			return r.Err()
		}

	case "clear":
		if err := sensor.ClearAllUsers(ctx); err != nil {
			return err
		}
		fmt.Println("已删除全部指纹")

	case "threshold":
		if len(args) != 1 {
			return errors.New(errors.ErrInvalidParam, "threshold requires a level 0-9")
		}
		level, err := strconv.Atoi(args[0])
		if err != nil {
			return errors.Wrapf(err, errors.ErrInvalidParam, "threshold %q", args[0])
		}
		got, err := sensor.SetMatchThreshold(ctx, level)
		if err != nil {
			return err
		}
		fmt.Printf("比对等级: %d\n", got)
	}
	return nil
}

// rotateArgs 解析 <motor_id> <segments> [forward|backward]
func rotateArgs(args []string) (motorID, segments int, forward bool, err error) {
	if len(args) < 2 || len(args) > 3 {
		return 0, 0, false, errors.New(errors.ErrInvalidParam, "rotate requires <motor_id> <segments> [forward|backward]")
	}
	if motorID, err = strconv.Atoi(args[0]); err != nil {
		return 0, 0, false, errors.Wrapf(err, errors.ErrInvalidParam, "motor_id %q", args[0])
	}
	if segments, err = strconv.Atoi(args[1]); err != nil || segments < 0 {
		return 0, 0, false, errors.Newf(errors.ErrInvalidParam, "segments %q must be a non-negative integer", args[1])
	}
	forward = true
	if len(args) == 3 {
		switch args[2] {
		case "forward":
		case "backward":
			forward = false
		default:
			return 0, 0, false, errors.Newf(errors.ErrInvalidParam, "direction %q must be forward or backward", args[2])
		}
	}
	return motorID, segments, forward, nil
}

// rotate 手动转动药盘，位置相对本次启动时的第0格
func rotate(ctx context.Context, cfg *config.Config, d *hardware.Devices, args []string) error {
	motorID, segments, forward, err := rotateArgs(args)
	if err != nil {
		return err
	}

	orch := agent.NewOrchestrator(cfg, d, nil, nil)
	pos, err := orch.Rotate(ctx, motorID, segments, forward)
	if err != nil {
		return err
	}
	fmt.Printf("电机 %d 已转动 %d 格，当前第 %d 格\n", motorID, segments, pos)
	return nil
}

// watchHand 检查红外传感器：等待手放入再等待手离开
func watchHand(ctx context.Context, cfg *config.Config, d *hardware.Devices) error {
	ir := d.Infrared
	timeout := cfg.Infrared.HandTimeout

	fmt.Printf("当前检测到手: %v\n", ir.HandDetected())
	fmt.Println("请把手放到出药口...")
	if !ir.WaitForHand(ctx, timeout) {
		return errors.Newf(errors.ErrHandNotDetected, "no hand within %s", timeout)
	}
	fmt.Println("检测到手，请移开...")
	if !ir.WaitForHandRemoval(ctx, timeout) {
		return errors.Newf(errors.ErrHandNotDetected, "hand still present after %s", timeout)
	}
	fmt.Println("手已移开")
	return nil
}
