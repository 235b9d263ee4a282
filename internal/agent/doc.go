// Package agent 把大模型对话与花费闸门编排在一起：
// 每轮对话前根据会话实时额度重算可见工具集，模型发起的函数调用
// 全部经由闸门裁决后才落链，拒绝原因原样转述给用户。
package agent
